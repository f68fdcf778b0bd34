package relink

import (
	"errors"
	"fmt"
)

// ErrUnknownFileFormat means the probe ran on a candidate but its magic
// bytes matched none of the target's native formats.
var ErrUnknownFileFormat = errors.New("unknown file format for relinking")

// ParseError reports a container that claims a known format but is malformed.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse dynamic file %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PolicyError reports an absolute search-path entry that can neither be made
// self-relative (it is outside the encoded prefix) nor is covered by the
// rpath allowlist. Shipping such an entry would break relocation.
type PolicyError struct {
	File  string
	Rpath string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: absolute rpath %s is outside the encoded prefix and not allowlisted", e.File, e.Rpath)
}

// PathError reports a failure to express one path relative to another while
// computing a self-relative search-path entry.
type PathError struct {
	From string
	To   string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("failed to get relative path from %s to %s: %v", e.From, e.To, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
