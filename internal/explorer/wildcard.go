package explorer

import (
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// IsWildcard reports whether a target names several domains through * or ?
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// Matches reports whether candidate matches pattern as a whole, ignoring case.
// * matches any run of characters (dots included) and ? exactly one character;
// every other character is literal.
func Matches(pattern, candidate string) bool {
	pattern = strings.ToLower(pattern)
	candidate = strings.ToLower(candidate)

	// The glob lexer stops at U+FFFD, so such patterns are malformed for it
	if !utf8.ValidString(pattern) || strings.ContainsRune(pattern, utf8.RuneError) {
		return literalMatch(pattern, candidate)
	}

	g, err := glob.Compile(quoteLiterals(pattern))
	if err != nil {
		return literalMatch(pattern, candidate)
	}
	return g.Match(candidate)
}

// quoteLiterals escapes glob syntax outside of * and ? so that characters like
// [ or { in a domain pattern are never interpreted.
func quoteLiterals(pattern string) string {
	var b strings.Builder
	start := 0
	for i, r := range pattern {
		if r != '*' && r != '?' {
			continue
		}
		b.WriteString(glob.QuoteMeta(pattern[start:i]))
		b.WriteRune(r)
		start = i + 1
	}
	b.WriteString(glob.QuoteMeta(pattern[start:]))
	return b.String()
}

func literalMatch(pattern, candidate string) bool {
	stripped := strings.NewReplacer("*", "", "?", "").Replace(pattern)
	return stripped == candidate
}
