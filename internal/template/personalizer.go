package template

import (
	"regexp"
)

// varPattern matches {{identifier}} placeholders. Identifiers are word
// characters only; nested or escaped braces are not supported.
var varPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// defaultFallbacks fill common placeholders when recipient data has no value.
var defaultFallbacks = map[string]string{
	"firstName": "there",
	"name":      "Valued Customer",
	"company":   "your company",
}

// Render substitutes {{variable}} placeholders in a template string.
//
// Resolution order per placeholder: a key present in data wins, even when
// its value is the empty string; otherwise the built-in fallback table is
// consulted; otherwise the placeholder text is left unchanged. Render never
// fails.
func Render(template string, data map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]

		if value, ok := data[name]; ok {
			return value
		}
		if fallback, ok := defaultFallbacks[name]; ok {
			return fallback
		}
		return match
	})
}

// ExtractVariables returns the distinct placeholder identifiers appearing
// in a template, in order of first appearance.
func ExtractVariables(template string) []string {
	seen := make(map[string]struct{})
	var names []string

	for _, m := range varPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}

	return names
}
