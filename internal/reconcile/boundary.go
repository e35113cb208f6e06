package reconcile

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

// nextBoundary returns the byte offset just past the first sentence end in
// text, or -1. Terminal punctuation counts at the end of text or before
// whitespace; a closing phrase counts once more text follows it.
func (r *Reconciler) nextBoundary(text string) int {
	best := -1
	for i, c := range text {
		if !isTerminal(c) {
			continue
		}
		end := i + utf8.RuneLen(c)
		if end == len(text) {
			best = end
			break
		}
		next, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsSpace(next) {
			best = end
			break
		}
	}
	if phrase := r.closingBoundary(text); phrase >= 0 && (best < 0 || phrase < best) {
		best = phrase
	}
	return best
}

func (r *Reconciler) closingBoundary(text string) int {
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		lower = text
	}
	best := -1
	for _, phrase := range r.closing {
		from := 0
		for {
			idx := strings.Index(lower[from:], phrase)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(phrase)
			from = end
			if start > 0 {
				prev, _ := utf8.DecodeLastRuneInString(lower[:start])
				if !unicode.IsSpace(prev) {
					continue
				}
			}
			if end >= len(lower) {
				break
			}
			next, _ := utf8.DecodeRuneInString(lower[end:])
			if !unicode.IsSpace(next) || strings.TrimSpace(lower[end:]) == "" {
				continue
			}
			if best < 0 || end < best {
				best = end
			}
			break
		}
	}
	return best
}

// forcedBoundary cuts an unpunctuated run at the last space before the
// limit, or at the limit itself when there is none.
func forcedBoundary(text string, limit int) int {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return -1
	}
	cut := 0
	lastSpace := -1
	count := 0
	for i, c := range text {
		if count == limit {
			cut = i
			break
		}
		if unicode.IsSpace(c) {
			lastSpace = i
		}
		count++
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return cut
}
