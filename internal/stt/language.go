package stt

import (
	"fmt"
	"strings"
)

var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"hindi":      "hi",
	"japanese":   "ja",
}

var languageCodes = map[string]bool{
	"en": true, "en_us": true, "en_uk": true, "en_au": true,
	"es": true, "fr": true, "de": true, "it": true,
	"pt": true, "nl": true, "hi": true, "ja": true,
}

// ResolveLanguage maps a language hint ("English", "es", "en-US") to the
// provider's language_code.
func ResolveLanguage(hint string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(hint))
	if key == "" {
		return "", fmt.Errorf("language hint is empty")
	}
	if code, ok := languageNames[key]; ok {
		return code, nil
	}
	key = strings.ReplaceAll(key, "-", "_")
	if languageCodes[key] {
		return key, nil
	}
	return "", fmt.Errorf("unsupported language %q", hint)
}
