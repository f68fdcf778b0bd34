// Package magic classifies staged files by their leading bytes.
package magic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Format is the binary container format of a file.
type Format int

const (
	Unknown Format = iota
	ELF
	MachO
	PE
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case PE:
		return "PE"
	}
	return "unknown"
}

type machoMagic uint32

const (
	magic32    machoMagic = 0xfeedface
	magic64    machoMagic = 0xfeedfacf
	magicFatBE machoMagic = 0xcafebabe
	magicFatLE machoMagic = 0xbebafeca
)

var elfMagic = []byte("\x7fELF")

// Classify reads the header of the file at path and reports its container
// format. The file is never mutated; the only error is an I/O failure.
func Classify(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Unknown, nil // too short to hold any magic
		}
		return Unknown, fmt.Errorf("failed to read magic of %s: %w", path, err)
	}

	if bytes.Equal(hdr[:], elfMagic) {
		return ELF, nil
	}
	switch machoMagic(binary.LittleEndian.Uint32(hdr[:])) {
	case magic32, magic64, magicFatBE, magicFatLE:
		return MachO, nil
	}
	if hdr[0] == 'M' && hdr[1] == 'Z' {
		return PE, nil
	}

	return Unknown, nil
}

// IsELF reports whether the file at path carries the ELF magic.
func IsELF(path string) (bool, error) {
	return is(path, ELF)
}

// IsMachO reports whether the file at path carries a Mach-O (or fat) magic.
func IsMachO(path string) (bool, error) {
	return is(path, MachO)
}

// IsPE reports whether the file at path looks like a PE image. Beyond the MZ
// stub it also checks the PE\0\0 signature at e_lfanew.
func IsPE(path string) (bool, error) {
	ok, err := is(path, PE)
	if !ok || err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	var lfanew [4]byte
	if _, err := f.ReadAt(lfanew[:], 0x3c); err != nil {
		return false, nil // truncated DOS header
	}
	var sig [4]byte
	if _, err := f.ReadAt(sig[:], int64(binary.LittleEndian.Uint32(lfanew[:]))); err != nil {
		return false, nil
	}
	return bytes.Equal(sig[:], []byte("PE\x00\x00")), nil
}

func is(path string, want Format) (bool, error) {
	got, err := Classify(path)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
