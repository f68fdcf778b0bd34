// Package platform models the target a package is built for and gates which
// binary container format its staged files may carry.
package platform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crater-build/crater/internal/magic"
)

// ErrUnknownPlatform means the target has no supported native binary format.
// It is distinct from an unknown file format, where the probe ran but the
// magic bytes matched nothing.
var ErrUnknownPlatform = errors.New("unknown platform for relinking")

// Platform is a target identifier such as "linux-64" or "osx-arm64".
type Platform struct {
	OS   string
	Arch string
}

// Well known targets.
var (
	Linux64    = Platform{OS: "linux", Arch: "64"}
	LinuxArm64 = Platform{OS: "linux", Arch: "aarch64"}
	Osx64      = Platform{OS: "osx", Arch: "64"}
	OsxArm64   = Platform{OS: "osx", Arch: "arm64"}
	Win64      = Platform{OS: "win", Arch: "64"}
	NoArch     = Platform{OS: "noarch"}
	Wasm32     = Platform{OS: "emscripten", Arch: "wasm32"}
)

// Parse parses a conda style platform string ("linux-64", "win-64", "noarch").
func Parse(s string) (Platform, error) {
	if s == "noarch" {
		return NoArch, nil
	}
	os, arch, ok := strings.Cut(s, "-")
	if !ok || os == "" || arch == "" {
		return Platform{}, fmt.Errorf("invalid platform %q", s)
	}
	return Platform{OS: os, Arch: arch}, nil
}

func (p Platform) String() string {
	if p.Arch == "" {
		return p.OS
	}
	return p.OS + "-" + p.Arch
}

func (p Platform) IsLinux() bool   { return p.OS == "linux" }
func (p Platform) IsOsx() bool     { return p.OS == "osx" }
func (p Platform) IsWindows() bool { return p.OS == "win" }
func (p Platform) IsNoArch() bool  { return p.OS == "noarch" }

// IsWasm reports whether the target is a WebAssembly architecture, which has
// no relocatable binary format.
func (p Platform) IsWasm() bool { return p.Arch == "wasm32" }

// NativeFormat returns the single container format binaries of this target
// may carry. Targets without one (noarch, wasm32, anything unrecognized)
// yield ErrUnknownPlatform.
func (p Platform) NativeFormat() (magic.Format, error) {
	if p.IsWasm() {
		return magic.Unknown, ErrUnknownPlatform
	}
	switch {
	case p.IsLinux():
		return magic.ELF, nil
	case p.IsOsx():
		return magic.MachO, nil
	case p.IsWindows():
		return magic.PE, nil
	}
	return magic.Unknown, ErrUnknownPlatform
}
