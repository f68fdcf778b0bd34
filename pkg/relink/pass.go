package relink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/crater-build/crater/internal/globset"
	"github.com/crater-build/crater/internal/platform"
	"github.com/crater-build/crater/internal/tools"
)

// ContentType is the externally supplied classification of a staged file.
// The engine never sniffs content itself; the surrounding build tool does.
type ContentType int

const (
	ContentUnknown ContentType = iota
	ContentText
	ContentBinary
)

// Config is the relocation configuration of one build.
type Config struct {
	// Enabled gates the whole pass.
	Enabled bool

	// Paths selects which staged files (prefix relative) are eligible;
	// an empty set selects everything.
	Paths *globset.Set

	// Rpaths are extra search-path entries appended verbatim; they may
	// already contain self-reference tokens.
	Rpaths []string

	// Allowlist names absolute search-path entries permitted to survive
	// relinking, e.g. system library directories.
	Allowlist *globset.Set
}

// LinkingChecker is the downstream collaborator that validates the outcome
// set of a pass. Its verdict is propagated unchanged.
type LinkingChecker interface {
	CheckLinking(ctx context.Context, binaries []string, prefix string) error
}

// Options configures one relocation pass over a staged build tree. All state
// is per pass; nothing persists across builds.
type Options struct {
	Platform platform.Platform

	// Prefix is the staging directory the build currently lives in.
	Prefix string

	// EncodedPrefix is the placeholder path baked into binaries at compile
	// time, longer than any real prefix so in-place substitution is length
	// safe.
	EncodedPrefix string

	// Contents maps every staged file to its content classification.
	Contents map[string]ContentType

	Relocation Config

	// Tools runs the external patch utilities.
	Tools tools.Runner

	// Checker receives the outcome set; nil skips verification.
	Checker LinkingChecker

	// Workers bounds concurrent file processing; <= 0 means GOMAXPROCS.
	Workers int

	construct func(platform.Platform, string) (Relinker, error) // test seam
}

// Relink runs the relocation pass: every eligible staged binary gets its
// embedded search paths rewritten relative to its own final location, the
// set of touched binaries is accumulated and handed to the linking checker,
// and the sorted set is returned. The first error aborts the pass; files
// already patched are not rolled back, the caller fails the whole build.
func Relink(ctx context.Context, opts Options) ([]string, error) {
	if opts.Platform.IsNoArch() || opts.Platform.IsWasm() || !opts.Relocation.Enabled {
		log.Debugf("skipping binary relocation for %s", opts.Platform)
		return nil, nil
	}

	construct := opts.construct
	if construct == nil {
		construct = New
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	} else {
		g.SetLimit(runtime.GOMAXPROCS(0))
	}

	var (
		mu       sync.Mutex
		binaries []string
	)
	for path, content := range opts.Contents {
		g.Go(func() error {
			fi, err := os.Lstat(path)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", path, err)
			}
			if fi.Mode()&os.ModeSymlink != 0 || fi.IsDir() {
				log.Debugf("relink skipping symlink or directory: %s", path)
				return nil
			}
			if content != ContentBinary {
				return nil
			}
			if !opts.Relocation.Paths.Empty() && !opts.Relocation.Paths.Match(prefixRelative(opts.Prefix, path)) {
				return nil
			}

			ok, err := ValidFile(opts.Platform, path)
			if err != nil {
				return err
			}
			if !ok {
				return nil // not the target's native format
			}

			rl, err := construct(opts.Platform, path)
			if err != nil {
				return err
			}
			// no relocation tool exists for PE; record the file for
			// verification without mutating it
			if !opts.Platform.IsWindows() {
				if err := rl.Relink(gctx, opts.Prefix, opts.EncodedPrefix, opts.Relocation.Rpaths, opts.Relocation.Allowlist, opts.Tools); err != nil {
					return err
				}
			}

			mu.Lock()
			binaries = append(binaries, path)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(binaries)
	if opts.Checker != nil {
		if err := opts.Checker.CheckLinking(ctx, binaries, opts.Prefix); err != nil {
			return binaries, err
		}
	}
	return binaries, nil
}

// prefixRelative expresses path relative to the staging prefix for glob
// matching; paths outside the prefix match as given.
func prefixRelative(prefix, path string) string {
	if rel, err := filepath.Rel(prefix, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}
