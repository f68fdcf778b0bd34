// Package tools resolves and runs the external patch utilities the relinker
// drives (patchelf, install_name_tool, codesign).
package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apex/log"
)

// Tool names an external utility invoked during relinking.
type Tool string

const (
	Patchelf        Tool = "patchelf"
	InstallNameTool Tool = "install_name_tool"
	Codesign        Tool = "codesign"
)

// Runner executes an external patch utility. Exit code 0 is success; a
// missing executable or non-zero exit is a fatal error for the file being
// processed. Tests substitute a recording implementation.
type Runner interface {
	Run(ctx context.Context, tool Tool, args ...string) error
}

// Finder resolves tool names against a list of toolchain prefixes (e.g. the
// build environment prefix) before falling back to PATH. The prefix list is
// threaded explicitly so one process can build for multiple targets.
type Finder struct {
	prefixes []string
}

// NewFinder returns a Finder searching the given prefixes in order.
func NewFinder(prefixes ...string) *Finder {
	return &Finder{prefixes: prefixes}
}

// Find returns the path of the executable for tool.
func (f *Finder) Find(tool Tool) (string, error) {
	for _, prefix := range f.prefixes {
		for _, cand := range []string{
			filepath.Join(prefix, "bin", string(tool)),
			filepath.Join(prefix, string(tool)),
		} {
			if isExecutable(cand) {
				return cand, nil
			}
		}
	}
	path, err := exec.LookPath(string(tool))
	if err != nil {
		return "", fmt.Errorf("failed to find %s: %w", tool, err)
	}
	return path, nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode()&0o111 != 0
}

// Exec runs tools as subprocesses, resolving them through a Finder.
type Exec struct {
	finder *Finder
}

// NewExec returns a Runner resolving tools against the given prefixes.
func NewExec(prefixes ...string) *Exec {
	return &Exec{finder: NewFinder(prefixes...)}
}

// Run invokes tool with args and waits for it to finish. Output is captured
// and attached to the error on failure.
func (e *Exec) Run(ctx context.Context, tool Tool, args ...string) error {
	bin, err := e.finder.Find(tool)
	if err != nil {
		return err
	}

	log.Debugf("running %s %s", bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %v: %s", tool, err, strings.TrimSpace(string(out)))
	}
	return nil
}
