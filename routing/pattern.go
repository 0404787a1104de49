package routing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator splits routing keys and patterns into segments
	Separator = "."
	// SingleWildcard matches exactly one segment
	SingleWildcard = "*"
	// MultiWildcard matches zero or more segments
	MultiWildcard = "#"
)

var (
	// ErrEmptyPattern is returned for a pattern without any characters
	ErrEmptyPattern = errors.New("routing: pattern is empty")
	// ErrEmptySegment is returned for patterns such as "a..b" or ".a"
	ErrEmptySegment = errors.New("routing: pattern contains an empty segment")
)

// PatternError describes an invalid route pattern
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid route pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Split splits a routing key into its segments. An empty key has no segments.
func Split(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, Separator)
}

// ValidatePattern checks that a pattern is non-empty and has no empty segments
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return &PatternError{Pattern: pattern, Err: ErrEmptyPattern}
	}
	for _, segment := range strings.Split(pattern, Separator) {
		if segment == "" {
			return &PatternError{Pattern: pattern, Err: ErrEmptySegment}
		}
	}
	return nil
}

// MatchPattern reports whether a single pattern matches a routing key.
// It walks both segment lists directly and serves as the reference
// semantics for Trie.Match.
func MatchPattern(pattern, key string) bool {
	segments := Split(key)
	if len(segments) == 0 {
		return false
	}
	return matchSegments(Split(pattern), segments)
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case MultiWildcard:
		for consumed := 0; consumed <= len(key); consumed++ {
			if matchSegments(pattern[1:], key[consumed:]) {
				return true
			}
		}
		return false
	case SingleWildcard:
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchSegments(pattern[1:], key[1:])
	}
}

// Overlaps reports whether at least one non-empty routing key is matched by
// both patterns.
func Overlaps(a, b string) bool {
	return overlapSegments(Split(a), Split(b))
}

func overlapSegments(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	if len(a) > 0 && a[0] == MultiWildcard {
		// "#" stops consuming here, or swallows the head of b
		if overlapSegments(a[1:], b) {
			return true
		}
		if len(b) > 0 && overlapSegments(a, b[1:]) {
			return true
		}
	}
	if len(b) > 0 && b[0] == MultiWildcard {
		if overlapSegments(a, b[1:]) {
			return true
		}
		if len(a) > 0 && overlapSegments(a[1:], b) {
			return true
		}
	}
	if len(a) == 0 || len(b) == 0 || a[0] == MultiWildcard || b[0] == MultiWildcard {
		return false
	}

	if a[0] == SingleWildcard || b[0] == SingleWildcard || a[0] == b[0] {
		return overlapSegments(a[1:], b[1:])
	}
	return false
}
