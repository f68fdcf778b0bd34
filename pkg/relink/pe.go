package relink

import (
	"context"
	"debug/pe"
	"strings"

	"github.com/apex/log"

	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/magic"
	"github.com/crater-build/crater/internal/tools"
)

// Dll indexes the import table of a staged PE binary. The Windows loader has
// no embedded search-path concept, so relinking never mutates a DLL; the
// structural check and import listing still run so the file lands in the
// outcome set for verification.
type Dll struct {
	path      string
	libraries []string
}

// IsDll reports whether path looks like a PE image.
func IsDll(path string) (bool, error) {
	return magic.IsPE(path)
}

// NewDll parses the import table of the PE binary at path.
func NewDll(path string) (*Dll, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	defer f.Close()

	d := &Dll{path: path}
	syms, err := f.ImportedSymbols()
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	seen := make(map[string]bool)
	for _, sym := range syms {
		// entries come back as "symbol:DLL.dll"
		if _, dll, ok := strings.Cut(sym, ":"); ok && !seen[dll] {
			seen[dll] = true
			d.libraries = append(d.libraries, dll)
		}
	}

	return d, nil
}

// Libraries returns the imported DLL names as recorded, unresolved.
func (d *Dll) Libraries() []string {
	return d.libraries
}

// ResolveLibraries reports where each imported DLL would load from after
// install. PE has no self-reference tokens.
func (d *Dll) ResolveLibraries(prefix, encodedPrefix string) map[string]*string {
	return resolveLibraries(d.path, d.libraries, prefix, encodedPrefix)
}

// ResolveRpath applies the prefix substitution rule; PE binaries never carry
// rpath entries, so this only serves diagnostic callers.
func (d *Dll) ResolveRpath(rpath, prefix, encodedPrefix string) string {
	return resolveRpath(rpath, prefix, encodedPrefix)
}

// Relink is a no-op: there is no PE relocation tool to drive. The DLL search
// order is decided by the loader, not by metadata we could rewrite.
func (d *Dll) Relink(ctx context.Context, prefix, encodedPrefix string, customRpaths []string, allowlist *globset.Set, runner tools.Runner) error {
	log.Debugf("%s: PE carries no search-path metadata, nothing to rewrite", d.path)
	return nil
}
