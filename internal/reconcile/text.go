package reconcile

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity returns 1 minus the Levenshtein distance normalized by the
// longer input, computed over runes.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// normalizeWord lowercases a word and trims surrounding punctuation.
func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

func normalizedWords(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if w := normalizeWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func normalize(text string) string {
	return strings.Join(normalizedWords(text), " ")
}

func wordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// joinText appends next to base, skipping the separator between two
// ideographic scripts that are written without spaces.
func joinText(base, next string) string {
	base = strings.TrimSpace(base)
	next = strings.TrimSpace(next)
	switch {
	case base == "":
		return next
	case next == "":
		return base
	}
	last, _ := utf8.DecodeLastRuneInString(base)
	first, _ := utf8.DecodeRuneInString(next)
	if isCJK(last) && isCJK(first) {
		return base + next
	}
	return base + " " + next
}
