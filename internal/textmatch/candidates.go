package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Candidate is a proper-noun-like span found in free text. Text is the
// verbatim substring of the scanned input, Offset its byte position.
type Candidate struct {
	Text   string
	Offset int
}

// maxQuotedLen caps quoted-phrase candidates; longer quotations are dialogue,
// not names.
const maxQuotedLen = 60

// articles may prefix a title-cased run and are carried into the candidate
// span ("the Thieves' Guild") when directly adjacent.
var articles = map[string]struct{}{"the": {}, "a": {}, "an": {}}

// connectors may appear between title-cased words inside a run
// ("Tower of Whispers", "Order of the Flame").
var connectors = map[string]struct{}{"of": {}, "the": {}, "and": {}}

// ExtractCandidates finds proper-noun-like spans in text: runs of title-cased
// words (optionally bridged by connectors and prefixed by an article) and
// double-quoted phrases. Every returned Candidate's Text appears verbatim in
// text. Results preserve first-seen order; duplicates are not removed here.
func ExtractCandidates(text string) []Candidate {
	var out []Candidate
	out = append(out, titleCaseRuns(text)...)
	out = append(out, quotedPhrases(text)...)
	return out
}

// word is an intermediate token with its position in the source text.
type word struct {
	text         string
	start, end   int
	sentenceLead bool
}

// titleCaseRuns extracts runs of capitalized words from text.
func titleCaseRuns(text string) []Candidate {
	words := splitWords(text)

	var out []Candidate
	i := 0
	for i < len(words) {
		if !isTitleCased(words[i].text) {
			i++
			continue
		}

		// Extend the run: capitalized words, bridged by connectors when a
		// capitalized word follows.
		runStart := i
		j := i
		for j+1 < len(words) {
			next := words[j+1]
			if isTitleCased(next.text) {
				j++
				continue
			}
			if _, conn := connectors[strings.ToLower(next.text)]; conn &&
				j+2 < len(words) && isTitleCased(words[j+2].text) {
				j += 2
				continue
			}
			break
		}

		start := words[runStart].start
		end := words[j].end

		// Carry a directly preceding lowercase article into the span.
		if runStart > 0 {
			prev := words[runStart-1]
			if _, art := articles[prev.text]; art && adjacent(text, prev.end, start) {
				start = prev.start
			}
		}

		span := text[start:end]
		if keepRun(words[runStart:j+1], span) {
			out = append(out, Candidate{Text: span, Offset: start})
		}
		i = j + 1
	}
	return out
}

// keepRun filters out runs that are almost certainly ordinary sentence
// capitalization rather than names: a lone sentence-initial word, or a word
// that normalises to nothing but stop words.
func keepRun(run []word, span string) bool {
	if len(run) == 1 && run[0].sentenceLead {
		return false
	}
	return len(SignificantWords(span)) > 0
}

// quotedPhrases extracts double-quoted spans (straight or curly quotes).
// The quotes themselves are not part of the candidate text.
func quotedPhrases(text string) []Candidate {
	var out []Candidate
	openAt := -1
	for i, r := range text {
		switch r {
		case '"':
			if openAt < 0 {
				openAt = i + 1
			} else {
				out = appendQuoted(out, text, openAt, i)
				openAt = -1
			}
		case '“':
			openAt = i + utf8.RuneLen(r)
		case '”':
			out = appendQuoted(out, text, openAt, i)
			openAt = -1
		}
	}
	return out
}

// appendQuoted appends text[open:close] as a candidate when the span is
// plausible as a name: non-empty after trimming and not overly long.
func appendQuoted(out []Candidate, text string, open, close int) []Candidate {
	if open < 0 || close <= open {
		return out
	}
	raw := text[open:close]
	span := strings.TrimSpace(raw)
	if span == "" || len(span) > maxQuotedLen {
		return out
	}
	if len(SignificantWords(span)) == 0 {
		return out
	}
	return append(out, Candidate{Text: span, Offset: open + strings.Index(raw, span)})
}

// splitWords tokenises text into words with byte offsets, marking words that
// open a sentence.
func splitWords(text string) []word {
	var words []word
	sentenceLead := true
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isWordRune(r) {
			if r == '.' || r == '!' || r == '?' || r == '\n' {
				sentenceLead = true
			}
			i += size
			continue
		}
		start := i
		for i < len(text) {
			r, size = utf8.DecodeRuneInString(text[i:])
			if !isWordRune(r) {
				break
			}
			i += size
		}
		words = append(words, word{
			text:         text[start:i],
			start:        start,
			end:          i,
			sentenceLead: sentenceLead,
		})
		sentenceLead = false
	}
	return words
}

// isWordRune reports whether r belongs inside a word. Apostrophes and hyphens
// join their surrounding letters ("Thieves'", "Star-Reader").
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’' || r == '-'
}

// isTitleCased reports whether w starts with an uppercase letter.
func isTitleCased(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return unicode.IsUpper(r)
}

// adjacent reports whether only whitespace separates byte positions a and b.
func adjacent(text string, a, b int) bool {
	if a > b || b > len(text) {
		return false
	}
	return strings.TrimSpace(text[a:b]) == ""
}
