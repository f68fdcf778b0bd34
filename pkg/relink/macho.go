package relink

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"

	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/magic"
	"github.com/crater-build/crater/internal/tools"
)

// codesignPreserve keeps the parts of an existing signature that survive an
// ad-hoc re-sign after install_name_tool rewrote load commands.
const codesignPreserve = "--preserve-metadata=entitlements,requirements,flags,runtime"

// Dylib indexes the load commands of a staged Mach-O binary.
type Dylib struct {
	path      string
	id        string
	rpaths    []string
	libraries []string
}

// IsDylib reports whether path carries a Mach-O (thin or fat) magic.
func IsDylib(path string) (bool, error) {
	return magic.IsMachO(path)
}

// NewDylib parses the load commands of the Mach-O binary at path. Universal
// binaries are indexed through their first slice; install_name_tool applies
// changes to every slice.
func NewDylib(path string) (*Dylib, error) {
	var m *macho.File
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		m = fat.Arches[0].File
	} else if errors.Is(err, macho.ErrNotFat) {
		if m, err = macho.Open(path); err != nil {
			return nil, &ParseError{File: path, Err: err}
		}
		defer m.Close()
	} else {
		return nil, &ParseError{File: path, Err: err}
	}

	d := &Dylib{path: path}
	for _, lc := range m.Loads {
		switch c := lc.(type) {
		case *macho.Rpath:
			d.rpaths = append(d.rpaths, c.Path)
		case *macho.IDDylib:
			d.id = c.Name
		}
	}

	d.libraries = m.ImportedLibraries()

	return d, nil
}

// Libraries returns the load-dylib references as recorded, unresolved.
func (d *Dylib) Libraries() []string {
	return d.libraries
}

// ResolveLibraries reports where each dylib reference would load from after
// install. @rpath is treated like the self tokens here; only the loader can
// resolve it exactly.
func (d *Dylib) ResolveLibraries(prefix, encodedPrefix string) map[string]*string {
	return resolveLibraries(d.path, d.libraries, prefix, encodedPrefix, loaderPath, executablePath, rpathToken)
}

// ResolveRpath applies the prefix substitution rule to one LC_RPATH entry.
func (d *Dylib) ResolveRpath(rpath, prefix, encodedPrefix string) string {
	return resolveRpath(rpath, prefix, encodedPrefix)
}

// Relink rewrites LC_RPATH entries and load-dylib references under
// encodedPrefix to @loader_path relative forms and re-signs the binary,
// which loses signature validity once mutated. The byte-level rewrite is
// delegated to install_name_tool and codesign.
func (d *Dylib) Relink(ctx context.Context, prefix, encodedPrefix string, customRpaths []string, allowlist *globset.Set, runner tools.Runner) error {
	args, next, err := d.changeArgs(prefix, encodedPrefix, customRpaths, allowlist)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		log.Debugf("%s: load commands already relocatable", d.path)
		return nil
	}

	log.WithField("file", d.path).Debugf("install_name_tool %s", strings.Join(args, " "))
	if err := runner.Run(ctx, tools.InstallNameTool, append(args, d.path)...); err != nil {
		return err
	}
	if err := runner.Run(ctx, tools.Codesign, "--sign", "-", "--force", codesignPreserve, d.path); err != nil {
		return err
	}
	d.id = next.id
	d.rpaths = next.rpaths
	d.libraries = next.libraries
	return nil
}

// dylibState is the load-command state a computed argument list leaves the
// binary in once install_name_tool has run.
type dylibState struct {
	id        string
	rpaths    []string
	libraries []string
}

// changeArgs computes the install_name_tool argument list describing the
// relocated load-command state, plus that state itself. Empty args mean the
// binary is already relocatable.
func (d *Dylib) changeArgs(prefix, encodedPrefix string, customRpaths []string, allowlist *globset.Set) ([]string, dylibState, error) {
	next := dylibState{id: d.id}
	var args []string
	seen := make(map[string]bool, len(d.rpaths)+len(customRpaths))

	for _, rp := range d.rpaths {
		_, anchored := splitToken(rp, []string{loaderPath, executablePath})
		if anchored || !filepath.IsAbs(rp) {
			seen[rp] = true
			next.rpaths = append(next.rpaths, rp)
			continue
		}
		rel, ok := stripPrefix(rp, encodedPrefix)
		if !ok {
			if allowlist.Match(rp) {
				seen[rp] = true
				next.rpaths = append(next.rpaths, rp)
				continue
			}
			return nil, dylibState{}, &PolicyError{File: d.path, Rpath: rp}
		}
		entry, err := selfRelative(loaderPath, d.path, filepath.Join(prefix, rel))
		if err != nil {
			return nil, dylibState{}, err
		}
		if seen[entry] {
			// rewriting would collide with an entry we already have
			args = append(args, "-delete_rpath", rp)
			continue
		}
		seen[entry] = true
		next.rpaths = append(next.rpaths, entry)
		args = append(args, "-rpath", rp, entry)
	}
	for _, c := range customRpaths {
		if !seen[c] {
			seen[c] = true
			next.rpaths = append(next.rpaths, c)
			args = append(args, "-add_rpath", c)
		}
	}

	for _, lib := range d.libraries {
		if !filepath.IsAbs(lib) {
			next.libraries = append(next.libraries, lib)
			continue
		}
		rel, ok := stripPrefix(lib, encodedPrefix)
		if !ok {
			next.libraries = append(next.libraries, lib)
			continue // absolute system dylib, left for the linking checks
		}
		to, err := selfRelative(loaderPath, d.path, filepath.Join(prefix, rel))
		if err != nil {
			return nil, dylibState{}, err
		}
		next.libraries = append(next.libraries, to)
		args = append(args, "-change", lib, to)
	}

	if d.id != "" && filepath.IsAbs(d.id) {
		if _, ok := stripPrefix(d.id, encodedPrefix); ok {
			next.id = rpathToken + "/" + filepath.Base(d.id)
			args = append(args, "-id", next.id)
		}
	}

	return args, next, nil
}
