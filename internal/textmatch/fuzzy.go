// Package textmatch provides the string-matching heuristics shared by the
// discovery scanner and the quest objective unlock engine.
//
// Two families of matching live here:
//
//   - [Fuzzy], a deliberately permissive word-level match (equality,
//     containment, shared 5-character prefix) used wherever a missed match is
//     worse than a false positive — unlock conditions, discovery-to-entity
//     resolution.
//   - [Similarity], a Double Metaphone + Jaro-Winkler scorer used by the
//     pre-generation validator to warn about names that sound or read alike
//     without being equal.
//
// All functions are pure and safe for concurrent use.
package textmatch

import (
	"strings"
	"unicode"
)

// minWordLen is the minimum significant word length; shorter words are
// dropped before comparison.
const minWordLen = 3

// prefixLen is the shared-prefix length considered a match for words of at
// least minPrefixWordLen characters.
const (
	prefixLen        = 5
	minPrefixWordLen = 4
)

// stopWords are dropped from both sides before word comparison. The set
// covers common English filler plus the scaffolding words that unlock
// conditions tend to open with ("after entering...", "once the...").
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {},
	"onto": {}, "that": {}, "this": {}, "then": {}, "them": {}, "they": {},
	"their": {}, "your": {}, "you": {}, "are": {}, "was": {}, "were": {},
	"has": {}, "have": {}, "had": {}, "will": {}, "would": {}, "must": {},
	"after": {}, "before": {}, "when": {}, "once": {}, "upon": {},
	"who": {}, "what": {}, "where": {}, "all": {}, "any": {}, "one": {},
}

// Fuzzy reports whether a and b share at least one significant word.
//
// Both inputs are stripped of punctuation, lowercased, and split on
// whitespace; stop words and words shorter than three characters are
// discarded. A match exists when any surviving word pair is equal, one
// contains the other as a substring, or both words are at least four
// characters long and agree on their first five characters.
//
// The heuristic intentionally favours false positives over missed matches.
func Fuzzy(a, b string) bool {
	wordsA := SignificantWords(a)
	wordsB := SignificantWords(b)

	for _, wa := range wordsA {
		for _, wb := range wordsB {
			if wordsMatch(wa, wb) {
				return true
			}
		}
	}
	return false
}

// SignificantWords normalises s into the word set used by [Fuzzy]:
// punctuation stripped, lowercased, stop words and words shorter than three
// characters removed. Order of the surviving words is preserved.
func SignificantWords(s string) []string {
	var words []string
	for _, raw := range strings.Fields(stripPunct(strings.ToLower(s))) {
		if len(raw) < minWordLen {
			continue
		}
		if _, stop := stopWords[raw]; stop {
			continue
		}
		words = append(words, raw)
	}
	return words
}

// wordsMatch reports whether two normalised words match under the permissive
// rules of [Fuzzy].
func wordsMatch(a, b string) bool {
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	if len(a) >= minPrefixWordLen && len(b) >= minPrefixWordLen {
		pa, pb := a, b
		if len(pa) > prefixLen {
			pa = pa[:prefixLen]
		}
		if len(pb) > prefixLen {
			pb = pb[:prefixLen]
		}
		if pa == pb {
			return true
		}
	}
	return false
}

// stripPunct replaces every character that is neither a letter, a digit, nor
// whitespace with a space. Apostrophes are removed outright so that
// possessives ("Thieves'") collapse onto their root word.
func stripPunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
			// drop
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}
