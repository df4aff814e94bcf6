package hex

import (
	"strconv"
	"strings"
)

// DefaultSlug names a world whose title leaves nothing after filtering.
const DefaultSlug = "dream"

// Slugify lowercases s and drops every character outside [a-z0-9-].
// Slugify(Slugify(s)) == Slugify(s) for every s.
func Slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SlugCandidate returns base for the first attempt and base-N afterwards.
// Used only when a freshly analyzed world collides with a stored one.
func SlugCandidate(base string, attempt int) string {
	if base == "" {
		base = DefaultSlug
	}
	if attempt <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(attempt)
}
