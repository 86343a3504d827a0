// Package textanalyzer holds the text normalization shared by the token and
// q-gram indexes and by the full-text query operators.
package textanalyzer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// QGramSize is the gram length used by the q-gram index.
const QGramSize = 3

// tokenizerRegex extracts words. \p{L}+ matches letters in any script,
// \p{N}+ keeps numbers searchable as words.
var tokenizerRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits text into lower-cased words.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	return tokenizerRegex.FindAllString(text, -1)
}

// SplitTerms splits a multi-value operand or a token-indexed value on spaces
// and commas. Empty pieces are dropped; case is preserved.
func SplitTerms(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	})
}

// QGrams returns the distinct lower-cased rune q-grams of text. Strings
// shorter than QGramSize produce a single gram holding the whole string.
func QGrams(text string) []string {
	text = strings.ToLower(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) < QGramSize {
		return []string{text}
	}

	seen := make(map[string]struct{}, len(runes))
	grams := make([]string, 0, len(runes)-QGramSize+1)
	for i := 0; i+QGramSize <= len(runes); i++ {
		g := string(runes[i : i+QGramSize])
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		grams = append(grams, g)
	}
	return grams
}

// ShortForQGram reports whether s is too short to be looked up through the
// q-gram index and needs a scan instead.
func ShortForQGram(s string) bool {
	return utf8.RuneCountInString(s) < QGramSize
}

// ContainsPhrase reports whether the token sequence phrase appears
// contiguously in tokens.
func ContainsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 {
		return true
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
