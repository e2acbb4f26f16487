package textmatch

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultSimilarityThreshold is the score at or above which two names are
// reported as near-duplicates when they also overlap phonetically.
const DefaultSimilarityThreshold = 0.70

// DefaultLexicalThreshold is the stricter score required when no phonetic
// overlap exists.
const DefaultLexicalThreshold = 0.85

// Similarity returns the best Jaro-Winkler score between a and b, computed
// case-insensitively over three strategies: the full strings, the strings
// with spaces removed, and the best pairwise token score. Stop words and
// very short words are excluded from the token comparison so that two names
// sharing only an article never score as near-identical. The result is in
// [0, 1] with 1 meaning identical.
func Similarity(a, b string) float64 {
	aLower := strings.ToLower(strings.TrimSpace(a))
	bLower := strings.ToLower(strings.TrimSpace(b))
	if aLower == "" || bLower == "" {
		return 0
	}

	aTokens := SignificantWords(a)
	bTokens := SignificantWords(b)

	score := matchr.JaroWinkler(aLower, bLower, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}

	return score
}

// PhoneticOverlap reports whether any significant word of a shares a Double
// Metaphone code with any significant word of b.
func PhoneticOverlap(a, b string) bool {
	return codesOverlap(
		metaphoneCodes(SignificantWords(a)),
		metaphoneCodes(SignificantWords(b)),
	)
}

// SimilarNames reports whether a and b are close enough to be flagged as a
// near-duplicate pair: phonetically overlapping names match at
// [DefaultSimilarityThreshold], purely lexical pairs at the stricter
// [DefaultLexicalThreshold]. Exactly equal names (case-insensitive) are not
// "similar" — they are collisions and handled separately.
func SimilarNames(a, b string) bool {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return false
	}
	score := Similarity(a, b)
	if PhoneticOverlap(a, b) {
		return score >= DefaultSimilarityThreshold
	}
	return score >= DefaultLexicalThreshold
}

// metaphoneCodes returns the union of Double Metaphone codes for tokens.
// Empty codes (short or vowel-only words) are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
