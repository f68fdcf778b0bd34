package relink

import (
	"path/filepath"
	"strings"
)

// Loader self-reference tokens. These are opaque markers resolved by the
// platform's loader at runtime and must never be fed through generic path
// joining during comparison or construction.
const (
	elfOrigin      = "$ORIGIN"
	loaderPath     = "@loader_path"
	executablePath = "@executable_path"
	rpathToken     = "@rpath"
)

// stripPrefix returns path expressed relative to prefix if path is rooted
// under it.
func stripPrefix(path, prefix string) (string, bool) {
	rel, err := filepath.Rel(prefix, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

// resolveRpath applies the prefix substitution rule to one embedded
// search-path entry: entries under encodedPrefix are rejoined under prefix,
// everything else passes through unchanged.
func resolveRpath(rpath, prefix, encodedPrefix string) string {
	if !filepath.IsAbs(rpath) {
		return rpath
	}
	if rel, ok := stripPrefix(rpath, encodedPrefix); ok {
		return filepath.Join(prefix, rel)
	}
	return rpath
}

// selfRelative expresses target relative to the directory holding binary,
// anchored at the loader's self-reference token.
func selfRelative(token, binary, target string) (string, error) {
	dir := filepath.Dir(binary)
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", &PathError{From: dir, To: target, Err: err}
	}
	if rel == "." {
		return token, nil // the binary's own directory
	}
	return token + "/" + filepath.ToSlash(rel), nil
}

// splitToken splits off a leading self-reference token from a library path.
func splitToken(path string, tokens []string) (rest string, ok bool) {
	for _, tok := range tokens {
		if path == tok {
			return "", true
		}
		if strings.HasPrefix(path, tok+"/") {
			return strings.TrimPrefix(path, tok+"/"), true
		}
	}
	return "", false
}

// resolveLibraries computes, per reference, the path it would load from once
// the package is installed: references under encodedPrefix move under prefix,
// token-relative references resolve against the binary's own directory,
// relative references join prefix, and any other absolute reference stays
// unresolved (nil). Diagnostic only; nothing is mutated.
func resolveLibraries(binary string, libs []string, prefix, encodedPrefix string, tokens ...string) map[string]*string {
	resolved := make(map[string]*string, len(libs))
	dir := filepath.Dir(binary)
	for _, lib := range libs {
		if rest, ok := splitToken(lib, tokens); ok {
			p := filepath.Join(dir, rest)
			resolved[lib] = &p
			continue
		}
		if filepath.IsAbs(lib) {
			if rel, ok := stripPrefix(lib, encodedPrefix); ok {
				p := filepath.Join(prefix, rel)
				resolved[lib] = &p
			} else {
				resolved[lib] = nil
			}
			continue
		}
		p := filepath.Join(prefix, lib)
		resolved[lib] = &p
	}
	return resolved
}
