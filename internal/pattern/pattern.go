// Package pattern holds the regex-driven recognizers shared by the
// guardrails, the tool detector and the flow analyzer.
package pattern

import (
	"regexp"
	"strings"
	"unicode"
)

// Group is a named, ordered set of case-insensitive patterns.
type Group struct {
	Name     string
	patterns []*regexp.Regexp
	sources  []string
}

// NewGroup compiles exprs into a Group. Every expression is matched
// case-insensitively. It panics on an invalid expression, so it is meant
// for package-level tables.
func NewGroup(name string, exprs ...string) *Group {
	g := &Group{Name: name}
	for _, expr := range exprs {
		g.patterns = append(g.patterns, regexp.MustCompile(`(?i)`+expr))
		g.sources = append(g.sources, expr)
	}
	return g
}

// Match reports whether any pattern matches text.
func (g *Group) Match(text string) bool {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Count returns the number of distinct patterns that match text.
func (g *Group) Count(text string) int {
	n := 0
	for _, re := range g.patterns {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

// Matching returns the source expressions of the patterns matching text.
func (g *Group) Matching(text string) []string {
	var out []string
	for i, re := range g.patterns {
		if re.MatchString(text) {
			out = append(out, g.sources[i])
		}
	}
	return out
}

// Sources returns the uncompiled expressions of the group.
func (g *Group) Sources() []string {
	out := make([]string, len(g.sources))
	copy(out, g.sources)
	return out
}

// ContainsAny reports whether text contains any of the plain substrings,
// compared in lower case.
func ContainsAny(text string, words []string) bool {
	return CountContains(text, words) > 0
}

// CountContains returns how many of the plain substrings occur in text,
// compared in lower case.
func CountContains(text string, words []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// WordCount returns the number of whitespace separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// WordSet returns the set of lower-cased whitespace separated words.
func WordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Similarity returns the Jaccard similarity of the word sets of a and b.
// Identical strings score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return Jaccard(WordSet(a), WordSet(b))
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func hasLetter(s string) bool {
	return strings.IndexFunc(s, unicode.IsLetter) >= 0
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
