package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You translate live meeting captions. Translate the user's text into each requested language.
Reply with a single JSON object whose keys are the requested language codes and whose values are the translations.
Keep names and numbers as they are. Do not add explanations.`

func userPrompt(text string, languages []string) string {
	return fmt.Sprintf("Languages: %s\nText: %s", strings.Join(languages, ", "), text)
}

// parseTranslations reads the JSON object a generative engine replied with,
// tolerating a surrounding markdown code fence.
func parseTranslations(content string, languages []string) (map[string]string, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode translations: %w", err)
	}
	out := make(map[string]string, len(languages))
	for _, lang := range languages {
		v, ok := raw[lang]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out[lang] = strings.TrimSpace(s)
		}
	}
	return out, nil
}

func single(out map[string]string, language string) (string, error) {
	text, ok := out[language]
	if !ok {
		return "", fmt.Errorf("missing %s in response: %w", language, ErrRejected)
	}
	return text, nil
}
