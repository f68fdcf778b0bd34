package relink

import (
	"context"
	"debug/elf"
	"path/filepath"
	"slices"
	"strings"

	"github.com/apex/log"

	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/magic"
	"github.com/crater-build/crater/internal/tools"
)

// SharedObject indexes the dynamic section of a staged ELF binary.
type SharedObject struct {
	path      string
	libraries []string
	rpaths    []string
}

// IsSharedObject reports whether path carries the ELF magic.
func IsSharedObject(path string) (bool, error) {
	return magic.IsELF(path)
}

// NewSharedObject parses the dynamic section of the ELF binary at path,
// collecting DT_NEEDED entries and the ordered runpath (DT_RUNPATH, falling
// back to the older DT_RPATH).
func NewSharedObject(path string) (*SharedObject, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	defer f.Close()

	so := &SharedObject{path: path}
	if f.SectionByType(elf.SHT_DYNAMIC) == nil {
		return so, nil // statically linked, nothing to index
	}

	if so.libraries, err = f.ImportedLibraries(); err != nil {
		return nil, &ParseError{File: path, Err: err}
	}

	entries, err := f.DynString(elf.DT_RUNPATH)
	if err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	if len(entries) == 0 {
		if entries, err = f.DynString(elf.DT_RPATH); err != nil {
			return nil, &ParseError{File: path, Err: err}
		}
	}
	for _, entry := range entries {
		for _, dir := range strings.Split(entry, ":") {
			if dir != "" {
				so.rpaths = append(so.rpaths, dir)
			}
		}
	}

	return so, nil
}

// Libraries returns the DT_NEEDED entries as recorded, unresolved.
func (so *SharedObject) Libraries() []string {
	return so.libraries
}

// ResolveLibraries reports where each needed library would load from after
// install.
func (so *SharedObject) ResolveLibraries(prefix, encodedPrefix string) map[string]*string {
	return resolveLibraries(so.path, so.libraries, prefix, encodedPrefix, elfOrigin)
}

// ResolveRpath applies the prefix substitution rule to one runpath entry.
func (so *SharedObject) ResolveRpath(rpath, prefix, encodedPrefix string) string {
	return resolveRpath(rpath, prefix, encodedPrefix)
}

// Relink rewrites the runpath so every entry under encodedPrefix becomes
// $ORIGIN relative, appends custom entries, and keeps allowlisted absolute
// entries. The byte-level rewrite is delegated to patchelf.
func (so *SharedObject) Relink(ctx context.Context, prefix, encodedPrefix string, customRpaths []string, allowlist *globset.Set, runner tools.Runner) error {
	final, err := so.relocatedRpaths(prefix, encodedPrefix, customRpaths, allowlist)
	if err != nil {
		return err
	}
	if slices.Equal(final, so.rpaths) {
		log.Debugf("%s: runpath already relocatable", so.path)
		return nil
	}

	joined := strings.Join(final, ":")
	log.WithField("file", so.path).Debugf("setting runpath to %s", joined)
	if err := runner.Run(ctx, tools.Patchelf, "--force-rpath", "--set-rpath", joined, so.path); err != nil {
		return err
	}
	so.rpaths = final
	return nil
}

// relocatedRpaths computes the final ordered runpath: entries under the
// encoded prefix become $ORIGIN relative, $ORIGIN and relative entries pass
// through, allowlisted absolute entries survive, anything else is a policy
// violation. Custom entries are appended verbatim; duplicates keep their
// first position.
func (so *SharedObject) relocatedRpaths(prefix, encodedPrefix string, custom []string, allowlist *globset.Set) ([]string, error) {
	final := make([]string, 0, len(so.rpaths)+len(custom))
	seen := make(map[string]bool, len(so.rpaths)+len(custom))
	keep := func(entry string) {
		if !seen[entry] {
			seen[entry] = true
			final = append(final, entry)
		}
	}

	for _, rp := range so.rpaths {
		_, anchored := splitToken(rp, []string{elfOrigin})
		if anchored || !filepath.IsAbs(rp) {
			keep(rp)
			continue
		}
		rel, ok := stripPrefix(rp, encodedPrefix)
		if !ok {
			if allowlist.Match(rp) {
				keep(rp)
				continue
			}
			return nil, &PolicyError{File: so.path, Rpath: rp}
		}
		entry, err := selfRelative(elfOrigin, so.path, filepath.Join(prefix, rel))
		if err != nil {
			return nil, err
		}
		keep(entry)
	}
	for _, c := range custom {
		keep(c)
	}

	return final, nil
}
