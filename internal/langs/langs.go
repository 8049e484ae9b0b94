// Package langs normalizes language identifiers coming from job configs,
// Whisper detection output and user input.
package langs

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Auto is the marker for "detect the language".
const Auto = "auto"

// words maps common spelled-out names to BCP 47 tags.
var words = map[string]string{
	"simplified chinese":  "zh-Hans",
	"traditional chinese": "zh-Hant",
	"chinese":             "zh",
	"japanese":            "ja",
	"korean":              "ko",
	"english":             "en",
	"spanish":             "es",
	"french":              "fr",
	"german":              "de",
	"italian":             "it",
	"portuguese":          "pt",
	"russian":             "ru",
	"vietnamese":          "vi",
	"thai":                "th",
	"indonesian":          "id",
	"arabic":              "ar",
	"hindi":               "hi",
}

// Normalize returns a canonical tag for code, or "" for empty/auto/unknown input.
// Region subtags are kept ("pt-BR"), script subtags for Chinese are kept.
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, Auto) {
		return ""
	}
	if mapped, ok := words[strings.ToLower(code)]; ok {
		code = mapped
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return ""
	}
	return tag.String()
}

// Base returns the primary language subtag ("pt" for "pt-BR").
func Base(code string) string {
	norm := Normalize(code)
	if norm == "" {
		return ""
	}
	tag, err := language.Parse(norm)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}

// Same reports whether a and b name the same language. The base language and
// the script must agree ("zh-Hans" and "zh-Hant" differ, a bare "zh" means
// Simplified). Regions only count when both sides name one, so "en" matches
// "en-US" but "pt-BR" does not match "pt-PT". Unknown or empty values never
// match.
func Same(a, b string) bool {
	ta, ok := parse(a)
	if !ok {
		return false
	}
	tb, ok := parse(b)
	if !ok {
		return false
	}

	baseA, _ := ta.Base()
	baseB, _ := tb.Base()
	if baseA != baseB {
		return false
	}
	scriptA, _ := ta.Script()
	scriptB, _ := tb.Script()
	if scriptA != scriptB {
		return false
	}

	_, _, regionA := ta.Raw()
	_, _, regionB := tb.Raw()
	if regionA.IsCountry() && regionB.IsCountry() {
		return regionA == regionB
	}
	return true
}

func parse(code string) (language.Tag, bool) {
	norm := Normalize(code)
	if norm == "" {
		return language.Und, false
	}
	tag, err := language.Parse(norm)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

// DisplayName returns the English name for code, falling back to the code itself.
func DisplayName(code string) string {
	norm := Normalize(code)
	if norm == "" {
		if strings.TrimSpace(code) == "" {
			return "Unknown"
		}
		return code
	}
	tag, err := language.Parse(norm)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return norm
}
