package blackboard

import (
	"fmt"
	"strings"
)

// Wildcard matches exactly one key path segment in a pattern.
const Wildcard = "*"

// SplitPath splits a full board path into its region and the key path inside it.
//
//	SplitPath("page_observations.3.rotation") // "page_observations", "3.rotation"
func SplitPath(path string) (region, keyPath string) {
	region, keyPath, _ = strings.Cut(path, ".")
	return region, keyPath
}

// JoinPath joins path segments with dots, skipping empty segments.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

// parseKeyPath splits a region-relative key path. An empty key path yields no segments.
func parseKeyPath(keyPath string) ([]string, error) {
	if keyPath == "" {
		return nil, nil
	}
	segs := strings.Split(keyPath, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("key path %q has an empty segment", keyPath)
		}
		if s == Wildcard {
			return nil, fmt.Errorf("key path %q may not contain %q", keyPath, Wildcard)
		}
	}
	return segs, nil
}

// ValidatePattern checks that a subscription or authorization pattern is well formed.
// The first segment names the region and may not be a wildcard.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	segs := strings.Split(pattern, ".")
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
	}
	if segs[0] == Wildcard {
		return fmt.Errorf("pattern %q must start with a region name", pattern)
	}
	return nil
}

// MatchPattern reports whether pattern addresses path. Both are full board paths.
// A pattern matches the path it names and every path beneath it.
func MatchPattern(pattern, path string) bool {
	ps := strings.Split(pattern, ".")
	xs := strings.Split(path, ".")
	if len(xs) < len(ps) {
		return false
	}
	for i, p := range ps {
		if p != Wildcard && p != xs[i] {
			return false
		}
	}
	return true
}

// MatchAny reports whether any of the patterns addresses path.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchPattern(p, path) {
			return true
		}
	}
	return false
}

// Overlap reports whether two patterns can address a common path.
func Overlap(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := min(len(as), len(bs))
	for i := 0; i < n; i++ {
		if as[i] != Wildcard && bs[i] != Wildcard && as[i] != bs[i] {
			return false
		}
	}
	return true
}

// OverlapAny reports whether any pattern in as overlaps any pattern in bs.
func OverlapAny(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if Overlap(a, b) {
				return true
			}
		}
	}
	return false
}

func joinRel(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// underPrefix reports whether the relative path p lies at or beneath prefix.
func underPrefix(p, prefix string) bool {
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+".")
}
