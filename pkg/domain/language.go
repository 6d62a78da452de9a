package domain

import (
	"sort"
	"strings"
)

// DefaultLanguage applies when a create request omits the language tag.
const DefaultLanguage = "text"

var supportedLanguages = map[string]struct{}{
	"bash":       {},
	"c":          {},
	"cpp":        {},
	"csharp":     {},
	"css":        {},
	"go":         {},
	"html":       {},
	"java":       {},
	"javascript": {},
	"json":       {},
	"kotlin":     {},
	"markdown":   {},
	"php":        {},
	"python":     {},
	"ruby":       {},
	"rust":       {},
	"scala":      {},
	"sql":        {},
	"swift":      {},
	"text":       {},
	"toml":       {},
	"typescript": {},
	"yaml":       {},
}

// Languages returns the supported language tags, sorted.
func Languages() []string {
	out := make([]string, 0, len(supportedLanguages))
	for l := range supportedLanguages {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// NormalizeLanguage lowercases and validates a language tag. An empty tag
// resolves to DefaultLanguage.
func NormalizeLanguage(lang string) (string, error) {
	if lang == "" {
		return DefaultLanguage, nil
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if _, ok := supportedLanguages[lang]; !ok {
		return "", ErrInvalidLanguage
	}
	return lang, nil
}
