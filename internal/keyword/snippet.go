package keyword

import (
	"html"
	"strings"
	"unicode"
)

const (
	markOpen  = "<mark>"
	markClose = "</mark>"
	ellipsis  = "…"
)

// word is a run of letters/digits at rune offsets [start, end)
type word struct {
	start, end int
	term       int // index into terms, -1 when unmatched
}

// Snippet returns the window of text, at most maxRunes runes long, that
// contains the most distinct terms. Matches are wrapped in <mark> and the
// surrounding text is HTML-escaped.
func Snippet(text string, terms []string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if text == "" || maxRunes <= 0 {
		return ""
	}
	runes := []rune(text)
	words := scanWords(runes, terms)

	start, end := 0, len(runes)
	if len(runes) > maxRunes {
		start = bestWindow(words, len(terms), maxRunes)
		end = start + maxRunes
		if end > len(runes) {
			end = len(runes)
			start = end - maxRunes
		}
		start, end = alignToWords(words, start, end)
		for start < end && unicode.IsSpace(runes[start]) {
			start++
		}
		for end > start && unicode.IsSpace(runes[end-1]) {
			end--
		}
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	pos := start
	for _, w := range words {
		if w.term < 0 || w.start < start || w.end > end {
			continue
		}
		b.WriteString(html.EscapeString(string(runes[pos:w.start])))
		b.WriteString(markOpen)
		b.WriteString(html.EscapeString(string(runes[w.start:w.end])))
		b.WriteString(markClose)
		pos = w.end
	}
	b.WriteString(html.EscapeString(string(runes[pos:end])))
	if end < len(runes) {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// scanWords splits runes into words and tags those matching a term. A word
// matches when one is a prefix of the other, which covers search-as-you-type
// prefixes and simple inflections ("learn" / "learning").
func scanWords(runes []rune, terms []string) []word {
	var words []word
	i := 0
	for i < len(runes) {
		if !isWordRune(runes[i]) {
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		words = append(words, word{start: i, end: j, term: matchTerm(strings.ToLower(string(runes[i:j])), terms)})
		i = j
	}
	return words
}

func matchTerm(w string, terms []string) int {
	for i, t := range terms {
		if t == "" {
			continue
		}
		if strings.HasPrefix(w, t) {
			return i
		}
		if len([]rune(w)) >= 3 && strings.HasPrefix(t, w) {
			return i
		}
	}
	return -1
}

// bestWindow picks a start offset whose window covers the most distinct
// terms; earlier windows win ties. Windows begin a little before a match so
// it has leading context.
func bestWindow(words []word, termCount, maxRunes int) int {
	best, bestCount, bestHits := 0, -1, -1
	lead := maxRunes / 4
	for _, anchor := range words {
		if anchor.term < 0 {
			continue
		}
		start := anchor.start - lead
		if start < 0 {
			start = 0
		}
		end := start + maxRunes
		seen := make([]bool, termCount)
		count, hits := 0, 0
		for _, w := range words {
			if w.term < 0 || w.start < start || w.end > end {
				continue
			}
			hits++
			if !seen[w.term] {
				seen[w.term] = true
				count++
			}
		}
		if count > bestCount || (count == bestCount && hits > bestHits) {
			best, bestCount, bestHits = start, count, hits
		}
	}
	if bestCount < 0 {
		return 0
	}
	return best
}

// alignToWords shrinks [start, end) so it neither begins nor ends mid-word
func alignToWords(words []word, start, end int) (int, int) {
	for _, w := range words {
		if w.start < start && w.end > start {
			start = w.end
		}
		if w.start < end && w.end > end {
			end = w.start
		}
	}
	if end < start {
		end = start
	}
	return start, end
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
