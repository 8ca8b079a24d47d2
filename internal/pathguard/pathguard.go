// Package pathguard canonicalizes candidate filesystem paths against a
// trusted root. A relative root is resolved against the working directory;
// beyond that it performs no filesystem I/O, not even existence checks, so
// it can be used to plan operations on paths that do not exist yet.
package pathguard

import (
	"path/filepath"
	"strings"
)

// Result is the outcome of sanitizing one candidate path.
type Result struct {
	OK bool `json:"ok"`
	// CanonicalPath is the resolved absolute path, set only when OK. It is
	// always a strict descendant of (or equal to) the trusted root and
	// never contains an unresolved ".." segment.
	CanonicalPath string `json:"canonical_path,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

const reasonTraversal = "path-traversal"

// Sanitize resolves candidate against trustedRoot and verifies containment.
//
// A literal ".." segment in the raw candidate is rejected outright, before
// any canonicalization, so the check does not depend on Clean behaving.
// Absolute candidates are accepted only if they already resolve inside the
// root. The containment check is a string-prefix comparison performed
// after canonicalization, never before.
func Sanitize(candidate, trustedRoot string) Result {
	if candidate == "" || trustedRoot == "" {
		return Result{OK: false, Reason: reasonTraversal}
	}

	if containsParentToken(candidate) {
		return Result{OK: false, Reason: reasonTraversal}
	}

	// The root must be absolute before the prefix comparison: joining a
	// relative root like "." would collapse the prefix out of the result
	// and fail containment for every candidate.
	root, err := filepath.Abs(trustedRoot)
	if err != nil {
		return Result{OK: false, Reason: reasonTraversal}
	}

	var canonical string
	if filepath.IsAbs(candidate) {
		canonical = filepath.Clean(candidate)
	} else {
		canonical = filepath.Join(root, candidate)
	}

	if canonical != root && !strings.HasPrefix(canonical, root+string(filepath.Separator)) {
		return Result{OK: false, Reason: reasonTraversal}
	}

	return Result{OK: true, CanonicalPath: canonical}
}

// containsParentToken reports whether any path segment of the raw candidate
// is a parent-directory token, in either separator style. Quotes are
// stripped first so `"../x"` and `'..\x'` do not slip past the check.
// Names that merely contain consecutive dots ("file..txt") are fine.
func containsParentToken(candidate string) bool {
	stripped := strings.Map(func(r rune) rune {
		if r == '"' || r == '\'' {
			return -1
		}
		return r
	}, candidate)

	for _, seg := range strings.FieldsFunc(stripped, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if seg == ".." {
			return true
		}
	}
	return false
}
