package relink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/crater-build/crater/internal/platform"
	"github.com/crater-build/crater/internal/tools"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeRunner records tool invocations instead of spawning subprocesses.
type fakeRunner struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (r *fakeRunner) Run(_ context.Context, tool tools.Tool, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{string(tool)}, args...))
	return r.err
}

func (r *fakeRunner) invocations() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestValidFileUnknownPlatform(t *testing.T) {
	for _, target := range []platform.Platform{platform.NoArch, platform.Wasm32} {
		if _, err := ValidFile(target, "whatever"); !errors.Is(err, platform.ErrUnknownPlatform) {
			t.Errorf("ValidFile(%s) error = %v, want ErrUnknownPlatform", target, err)
		}
	}
}

func TestValidFileWrongFormat(t *testing.T) {
	path := writeFile(t, "note.txt", []byte("not a real binary"))

	for _, target := range []platform.Platform{platform.Linux64, platform.Osx64, platform.Win64} {
		ok, err := ValidFile(target, path)
		if err != nil {
			t.Fatalf("ValidFile(%s) error = %v", target, err)
		}
		if ok {
			t.Errorf("ValidFile(%s) = true for a text file", target)
		}
	}
}

func TestNewRejectsForeignMagic(t *testing.T) {
	// a Mach-O magic on a Linux target is an unknown file format, not a
	// parse error
	path := writeFile(t, "a.dylib", []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0})
	if _, err := New(platform.Linux64, path); !errors.Is(err, ErrUnknownFileFormat) {
		t.Errorf("New() error = %v, want ErrUnknownFileFormat", err)
	}
}

func TestNewMalformedContainer(t *testing.T) {
	// right magic, truncated container: a structural parse error
	path := writeFile(t, "broken.so", []byte("\x7fELF\x02\x01\x01\x00"))
	_, err := New(platform.Linux64, path)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("New() error = %v, want *ParseError", err)
	}
}

var _ tools.Runner = (*fakeRunner)(nil)
