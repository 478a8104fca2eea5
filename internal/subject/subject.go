// Package subject implements hierarchical wildcard matching over
// dot-delimited relay subjects.
package subject

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// WildcardSingle matches exactly one subject segment.
	WildcardSingle = "*"
	// WildcardMulti matches the remaining segments, including none.
	// It is only meaningful as the final pattern token.
	WildcardMulti = "**"
)

// Matches reports whether the subject satisfies the pattern. Both arguments
// are dot-token sequences; matching is case-sensitive and structural, no
// regular expressions are compiled. An empty subject never matches. A
// trailing multi-segment wildcard also matches the bare literal prefix with
// zero extra segments.
func Matches(subject, pattern string) bool {
	if subject == "" || pattern == "" {
		return false
	}
	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, token := range patternTokens {
		if token == WildcardMulti {
			// Only valid as the final token; everything before it matched.
			return i == len(patternTokens)-1
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token == WildcardSingle {
			continue
		}
		if token != subjectTokens[i] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}

// ValidatePattern checks a subscription or rule pattern: non-empty, no empty
// segments, and the multi-segment wildcard only in final position.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return errors.New("pattern required")
	}
	tokens := strings.Split(pattern, ".")
	for i, token := range tokens {
		if token == "" {
			return fmt.Errorf("pattern %q contains an empty segment", pattern)
		}
		if token == WildcardMulti && i != len(tokens)-1 {
			return fmt.Errorf("pattern %q uses the multi-segment wildcard before the final segment", pattern)
		}
	}
	return nil
}

// IsLiteral reports whether the pattern contains no wildcard tokens, i.e. it
// addresses exactly one concrete subject.
func IsLiteral(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, token := range strings.Split(pattern, ".") {
		if token == WildcardSingle || token == WildcardMulti {
			return false
		}
	}
	return true
}

// MatchAll reports whether the pattern is the bare match-everything wildcard.
// Outer transport layers use this to reject overly broad stream subscriptions.
func MatchAll(pattern string) bool {
	return strings.TrimSpace(pattern) == WildcardMulti
}
