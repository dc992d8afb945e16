// Package pathresolve resolves a module reference from a source file to
// a concrete repo-relative path, given the set of all known paths. The
// multi-candidate-then-first-hit shape follows the teacher's
// internal/git/resolver.go (FileResolver.Resolve tries several
// strategies in order and returns the first match), adapted from
// historical-path resolution to suffix-candidate resolution.
package pathresolve

import (
	"path"

	"github.com/luljaj/relay/internal/importscan"
)

// candidateSuffixes are probed in order, per spec.md §4.4 step 2.
var candidateSuffixes = []string{
	"", ".ts", ".tsx", ".js", ".jsx", ".py",
	"/index.ts", "/index.tsx", "/index.js", "/index.jsx", "/__init__.py",
}

// Resolve returns the concrete path in knownPaths that ref (written in
// sourceFile) refers to, or ("", false) if none is found. Non-relative
// references (bare specifiers / package names) always return ("", false)
// — they are treated as external libraries.
func Resolve(ref string, sourceFile string, knownPaths map[string]bool) (string, bool) {
	if !importscan.IsRelative(ref) {
		return "", false
	}

	base := path.Join(path.Dir(sourceFile), ref)
	base = path.Clean(base)

	for _, suffix := range candidateSuffixes {
		candidate := base + suffix
		if knownPaths[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// ToPathSet converts a slice of paths into the set Resolve expects.
func ToPathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
