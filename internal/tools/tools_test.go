package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFinderPrefersPrefix(t *testing.T) {
	prefix := t.TempDir()
	bin := filepath.Join(prefix, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	fake := filepath.Join(bin, "patchelf")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := NewFinder(prefix).Find(Patchelf)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got != fake {
		t.Errorf("Find() = %q, want %q", got, fake)
	}
}

func TestFinderSkipsNonExecutable(t *testing.T) {
	prefix := t.TempDir()
	if err := os.WriteFile(filepath.Join(prefix, "install_name_tool"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	// not executable, and almost certainly absent from PATH on the test host
	if _, err := NewFinder(prefix).Find(Tool("definitely_not_a_real_tool")); err == nil {
		t.Error("Find() expected error for unresolvable tool")
	}
}

func TestExecRun(t *testing.T) {
	prefix := t.TempDir()
	marker := filepath.Join(prefix, "marker")
	script := "#!/bin/sh\ntouch " + marker + "\nexit 0\n"
	if err := os.WriteFile(filepath.Join(prefix, "patchelf"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := NewExec(prefix).Run(context.Background(), Patchelf, "--version"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("tool was not invoked: %v", err)
	}
}

func TestExecRunFailure(t *testing.T) {
	prefix := t.TempDir()
	script := "#!/bin/sh\necho 'cannot find section' >&2\nexit 1\n"
	if err := os.WriteFile(filepath.Join(prefix, "patchelf"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	err := NewExec(prefix).Run(context.Background(), Patchelf, "--set-rpath", "x", "y")
	if err == nil {
		t.Fatal("Run() expected error for non-zero exit")
	}
}
