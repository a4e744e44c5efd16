// Package textcase implements the case conversions offered by the viewer's
// converter tool.
package textcase

import (
	"strings"
	"unicode"
)

// smallWords stay lowercase in title case unless they open the text.
var smallWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "but": {},
	"by": {}, "for": {}, "in": {}, "nor": {}, "of": {}, "on": {},
	"or": {}, "the": {}, "to": {},
}

// Lower converts the text to lowercase.
func Lower(s string) string { return strings.ToLower(s) }

// Upper converts the text to uppercase.
func Upper(s string) string { return strings.ToUpper(s) }

// Sentence lowercases the text and capitalizes the first letter of each
// sentence. Sentence boundaries are '.', '!' and '?'.
func Sentence(s string) string {
	runes := []rune(strings.ToLower(s))
	atStart := true
	for i, r := range runes {
		switch {
		case r == '.' || r == '!' || r == '?':
			atStart = true
		case unicode.IsSpace(r):
			// Whitespace does not end the sentence-start window.
		case atStart:
			runes[i] = unicode.ToUpper(r)
			atStart = false
		}
	}
	return string(runes)
}

// Capitalize uppercases the first letter of every word and lowercases the
// rest.
func Capitalize(s string) string {
	return mapWords(s, func(word string, _ bool) string {
		return upperFirst(word)
	})
}

// Title applies title case: every word is capitalized except small words,
// which stay lowercase unless they open the text.
func Title(s string) string {
	return mapWords(s, func(word string, first bool) string {
		if !first {
			if _, small := smallWords[strings.ToLower(word)]; small {
				return strings.ToLower(word)
			}
		}
		return upperFirst(word)
	})
}

// mapWords applies fn to each whitespace-separated word, preserving the
// original separators.
func mapWords(s string, fn func(word string, first bool) string) string {
	var b strings.Builder
	b.Grow(len(s))
	first := true
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		b.WriteString(fn(s[start:end], first))
		first = false
		start = -1
	}
	for i, r := range s {
		if unicode.IsSpace(r) {
			flush(i)
			b.WriteRune(r)
		} else if start < 0 {
			start = i
		}
	}
	flush(len(s))
	return b.String()
}

func upperFirst(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) == 0 {
		return word
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
