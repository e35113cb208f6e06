package reconcile

import (
	"fmt"
	"regexp"
	"strings"
)

// Stock phrases speech recognizers emit on silence or music.
var defaultNoisePatterns = []string{
	`(?i)\b(thanks|thank you) (so much )?for watching[.!]?`,
	`(?i)\bplease (like and )?subscribe\b[^.!?]*[.!?]?`,
	`(?i)\bsubtitles? (by|from) [^.!?]*[.!?]?`,
	`(?i)\[(music|applause|laughter|silence|음악|박수)\]`,
	`♪+`,
	`시청해 ?주셔서 감사합니다[.!]?`,
	`구독과 좋아요[^.!?]*[.!?]?`,
	`MBC 뉴스[^.!?]*[.!?]?`,
	`자막 제공[^.!?]*[.!?]?`,
}

func compileNoise(extra []string) ([]*regexp.Regexp, error) {
	patterns := append(append([]string{}, defaultNoisePatterns...), extra...)
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile noise pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (r *Reconciler) stripNoise(text string) string {
	for _, re := range r.noise {
		text = re.ReplaceAllString(text, " ")
	}
	return collapseRepeats(strings.Fields(text))
}

// collapseRepeats folds filler loops: a single word said three or more times
// in a row, or a two or three word phrase repeated back to back.
func collapseRepeats(words []string) string {
	norm := make([]string, len(words))
	for i, w := range words {
		norm[i] = normalizeWord(w)
	}
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		if run := repeatRun(norm, i, 1); run >= 3 {
			out = append(out, words[i])
			i += run
			continue
		}
		collapsed := false
		for n := 3; n >= 2; n-- {
			if run := repeatRun(norm, i, n); run >= 2 {
				out = append(out, words[i:i+n]...)
				i += run * n
				collapsed = true
				break
			}
		}
		if collapsed {
			continue
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

// repeatRun counts consecutive copies of the n-gram starting at i.
func repeatRun(words []string, i, n int) int {
	if i+n > len(words) {
		return 0
	}
	gram := words[i : i+n]
	for _, w := range gram {
		if w == "" {
			return 0
		}
	}
	run := 1
	for j := i + n; j+n <= len(words) && wordsEqual(words[j:j+n], gram); j += n {
		run++
	}
	return run
}
