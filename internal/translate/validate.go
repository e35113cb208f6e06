package translate

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// scriptTables maps ISO 15924 codes to the rune tables a translation into
// that script must draw from.
var scriptTables = map[string][]*unicode.RangeTable{
	"Kore": {unicode.Hangul, unicode.Han},
	"Hans": {unicode.Han},
	"Hant": {unicode.Han},
	"Jpan": {unicode.Hiragana, unicode.Katakana, unicode.Han},
	"Deva": {unicode.Devanagari},
	"Beng": {unicode.Bengali},
	"Cyrl": {unicode.Cyrillic},
	"Arab": {unicode.Arabic},
	"Hebr": {unicode.Hebrew},
	"Thai": {unicode.Thai},
	"Grek": {unicode.Greek},
	"Latn": {unicode.Latin},
}

// expectedScript returns the rune tables for the likely script of a
// language tag, or nil when the script is unknown.
func expectedScript(lang string) []*unicode.RangeTable {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil
	}
	script, _ := tag.Script()
	return scriptTables[script.String()]
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func containsScript(s string, tables []*unicode.RangeTable) bool {
	for _, r := range s {
		if unicode.In(r, tables...) {
			return true
		}
	}
	return false
}

// validate rejects empty output, output identical to a non-trivial source,
// and output with no characters of the target script.
func validate(source, translated, lang string, trivialLength int) error {
	translated = strings.TrimSpace(translated)
	if translated == "" {
		return fmt.Errorf("empty output: %w", ErrRejected)
	}
	src := strings.TrimSpace(source)
	if strings.EqualFold(translated, src) && utf8.RuneCountInString(src) > trivialLength && hasLetters(src) {
		return fmt.Errorf("output identical to input: %w", ErrRejected)
	}
	if !hasLetters(src) {
		return nil
	}
	if tables := expectedScript(lang); tables != nil && !containsScript(translated, tables) {
		return fmt.Errorf("output lacks %s script: %w", lang, ErrRejected)
	}
	return nil
}
