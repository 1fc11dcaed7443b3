// Package query turns raw user input into safe FTS5 match expressions.
package query

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/dshills/notesearch/pkg/types"
)

// ErrEmptyQuery is returned by Query.Err when sanitization leaves nothing to match.
// Callers treat it as an empty result, never as a user-visible failure.
var ErrEmptyQuery = errors.New("query has no searchable terms")

// Query is the sanitized form of a raw search string
type Query struct {
	Raw        string
	Text       string   // Free text with inline tags removed
	Terms      []string // Lowercased single-word terms in order of appearance
	Phrases    []string // Quoted phrases, each lowercased and space-joined
	Tags       []string // Inline #tag filters
	Expression string   // FTS5 MATCH expression, empty when Empty
	Empty      bool
}

// Err returns ErrEmptyQuery for queries without searchable terms
func (q Query) Err() error {
	if q.Empty {
		return ErrEmptyQuery
	}
	return nil
}

// HighlightTerms returns every word worth marking in a snippet
func (q Query) HighlightTerms() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(w string) {
		if _, ok := seen[w]; ok {
			return
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	for _, t := range q.Terms {
		add(t)
	}
	for _, p := range q.Phrases {
		for _, w := range strings.Fields(p) {
			add(w)
		}
	}
	return out
}

// FTS5 boolean operators are case-sensitive keywords
var operators = map[string]struct{}{
	"AND":  {},
	"OR":   {},
	"NOT":  {},
	"NEAR": {},
}

var phrasePattern = regexp.MustCompile(`"([^"]*)"`)

type item struct {
	text   string
	phrase bool
}

// Parse sanitizes raw into a Query. It never fails: input made only of
// reserved characters yields an Empty query.
func Parse(raw string) Query {
	q := Query{Raw: raw}

	var items []item
	var free []string
	seenTerm := make(map[string]struct{})

	addWords := func(segment string) {
		for _, field := range strings.Fields(segment) {
			if strings.HasPrefix(field, "#") {
				if tag := cleanTag(field); tag != "" {
					q.Tags = append(q.Tags, tag)
				}
				continue
			}
			if _, isOp := operators[field]; isOp {
				continue
			}
			free = append(free, field)
			for _, w := range Tokenize(field) {
				if _, dup := seenTerm[w]; dup {
					continue
				}
				seenTerm[w] = struct{}{}
				q.Terms = append(q.Terms, w)
				items = append(items, item{text: w})
			}
		}
	}

	last := 0
	for _, m := range phrasePattern.FindAllStringSubmatchIndex(raw, -1) {
		addWords(raw[last:m[0]])
		words := Tokenize(raw[m[2]:m[3]])
		switch len(words) {
		case 0:
		case 1:
			if _, dup := seenTerm[words[0]]; !dup {
				seenTerm[words[0]] = struct{}{}
				q.Terms = append(q.Terms, words[0])
				items = append(items, item{text: words[0], phrase: true})
			}
		default:
			p := strings.Join(words, " ")
			q.Phrases = append(q.Phrases, p)
			items = append(items, item{text: p, phrase: true})
		}
		free = append(free, raw[m[0]:m[1]])
		last = m[1]
	}
	addWords(raw[last:])

	q.Tags = types.NormalizeTags(q.Tags)
	q.Text = strings.Join(free, " ")

	if len(items) == 0 {
		q.Empty = true
		return q
	}

	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = `"` + it.text + `"`
		if i == len(items)-1 && !it.phrase {
			parts[i] += "*"
		}
	}
	q.Expression = strings.Join(parts, " OR ")
	return q
}

// Tokenize splits text on anything that is not a letter or digit and lowercases the pieces
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// cleanTag keeps the characters allowed in a tag name
func cleanTag(field string) string {
	var b strings.Builder
	for _, r := range strings.TrimLeft(field, "#") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
