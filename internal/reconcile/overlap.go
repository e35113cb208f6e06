package reconcile

import (
	"strings"
	"unicode/utf8"
)

// contextWords bounds how far back into the canonical text overlap
// detection looks.
const contextWords = 24

// removeOverlap strips the part of next that repeats the end of prev.
// It reports dropped=true when next as a whole duplicates the tail.
func (r *Reconciler) removeOverlap(prev, next string) (rest string, trimmed, dropped bool) {
	prevWords := normalizedWords(prev)
	if len(prevWords) > contextWords {
		prevWords = prevWords[len(prevWords)-contextWords:]
	}
	rawNext := strings.Fields(next)
	normNext := make([]string, len(rawNext))
	for i, w := range rawNext {
		normNext[i] = normalizeWord(w)
	}
	if len(prevWords) == 0 || len(rawNext) == 0 {
		return next, false, false
	}

	// exact k-word suffix/prefix match
	if k := suffixPrefix(prevWords, normNext, r.cfg.MinOverlapWords, r.cfg.MaxOverlapWords); k > 0 {
		return strings.Join(rawNext[k:], " "), true, false
	}

	// shorter suffix/prefix matches, then the phrase anywhere in the window
	if k := suffixPrefix(prevWords, normNext, 1, r.cfg.MinOverlapWords-1); k > 0 {
		if k > 1 || utf8.RuneCountInString(normNext[0]) >= 3 {
			return strings.Join(rawNext[k:], " "), true, false
		}
	}
	if k := phraseOverlap(prevWords, normNext, r.cfg.MaxOverlapWords); k > 0 {
		return strings.Join(rawNext[k:], " "), true, false
	}

	window := prevWords
	if len(window) > len(normNext) {
		window = window[len(window)-len(normNext):]
	}
	if Similarity(strings.Join(window, " "), strings.Join(normNext, " ")) > r.cfg.OverlapSimilarity {
		return "", true, true
	}
	return next, false, false
}

// suffixPrefix returns the largest k in [lo, hi] such that the last k words
// of prev equal the first k words of next, or 0.
func suffixPrefix(prev, next []string, lo, hi int) int {
	if lo < 1 {
		lo = 1
	}
	if hi > len(prev) {
		hi = len(prev)
	}
	if hi > len(next) {
		hi = len(next)
	}
	for k := hi; k >= lo; k-- {
		if wordsEqual(prev[len(prev)-k:], next[:k]) {
			return k
		}
	}
	return 0
}

// phraseOverlap finds the opening phrase of next (at least two words) inside
// prev and returns how many leading words of next keep matching prev from
// that point.
func phraseOverlap(prev, next []string, maxWords int) int {
	n := maxWords
	if n > len(next) {
		n = len(next)
	}
	for ; n >= 2; n-- {
		phrase := next[:n]
		for p := len(prev) - n; p >= 0; p-- {
			if !wordsEqual(prev[p:p+n], phrase) {
				continue
			}
			matched := n
			for matched < len(next) && p+matched < len(prev) && prev[p+matched] == next[matched] {
				matched++
			}
			return matched
		}
	}
	return 0
}
