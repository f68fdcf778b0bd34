// Package relink rewrites the dynamic-library search paths embedded in
// staged ELF and Mach-O binaries so a package keeps working when installed
// under an arbitrary prefix, and structurally validates PE binaries on the
// way. Binaries are compiled against an artificially long placeholder prefix
// (the encoded prefix); every absolute reference under it is replaced with a
// form relative to the binary's own location ($ORIGIN on ELF, @loader_path
// on Mach-O) before the package is archived.
package relink

import (
	"context"
	"fmt"

	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/magic"
	"github.com/crater-build/crater/internal/platform"
	"github.com/crater-build/crater/internal/tools"
)

// Relinker rewrites the dynamic-library search metadata of one binary. The
// variant set is closed and platform selected: SharedObject (ELF), Dylib
// (Mach-O), Dll (PE).
type Relinker interface {
	// Libraries returns the dependencies recorded in the container, unresolved.
	Libraries() []string

	// ResolveLibraries reports, per reference, the path it would load from
	// after install; nil marks an absolute reference outside the encoded
	// prefix. Diagnostic only, nothing is mutated.
	ResolveLibraries(prefix, encodedPrefix string) map[string]*string

	// ResolveRpath applies the prefix substitution rule to one embedded
	// search-path entry.
	ResolveRpath(rpath, prefix, encodedPrefix string) string

	// Relink computes the relocated search-path state and drives the
	// platform's patch tool to rewrite the binary in place.
	Relink(ctx context.Context, prefix, encodedPrefix string, customRpaths []string, allowlist *globset.Set, runner tools.Runner) error
}

// ValidFile reports whether path holds the target platform's native binary
// format. Targets without one yield platform.ErrUnknownPlatform.
func ValidFile(target platform.Platform, path string) (bool, error) {
	format, err := target.NativeFormat()
	if err != nil {
		return false, err
	}
	switch format {
	case magic.ELF:
		return IsSharedObject(path)
	case magic.MachO:
		return IsDylib(path)
	case magic.PE:
		return IsDll(path)
	}
	return false, platform.ErrUnknownPlatform
}

// New fully parses path with the target's native container parser and
// returns the matching relinker. A candidate that does not carry the native
// magic fails with ErrUnknownFileFormat; a candidate that carries it but is
// malformed fails with a ParseError.
func New(target platform.Platform, path string) (Relinker, error) {
	ok, err := ValidFile(target, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFileFormat)
	}
	switch {
	case target.IsLinux():
		return NewSharedObject(path)
	case target.IsOsx():
		return NewDylib(path)
	case target.IsWindows():
		return NewDll(path)
	}
	return nil, platform.ErrUnknownPlatform
}
