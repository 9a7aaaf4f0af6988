package template

import (
	"fmt"
	"regexp"
)

// identPattern validates declared variable names.
var identPattern = regexp.MustCompile(`^\w+$`)

// Variable documents a template variable with an optional default value.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template is an email template with typed variable declarations.
type Template struct {
	Name      string     `json:"name" yaml:"name"`
	Subject   string     `json:"subject" yaml:"subject"`
	HTML      string     `json:"html,omitempty" yaml:"html,omitempty"`
	Text      string     `json:"text,omitempty" yaml:"text,omitempty"`
	Variables []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// RenderResult contains rendered template output.
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Validate checks the template at save time: it must have a subject and a
// body, and declared variables must be well-formed and unique.
func (t *Template) Validate() error {
	if t.Subject == "" {
		return fmt.Errorf("template subject is required")
	}
	if t.HTML == "" && t.Text == "" {
		return fmt.Errorf("template requires an html or text body")
	}

	seen := make(map[string]struct{})
	for _, v := range t.Variables {
		if !identPattern.MatchString(v.Name) {
			return fmt.Errorf("invalid variable name %q: word characters only", v.Name)
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	return nil
}

// DetectedVariables returns every distinct placeholder used across the
// subject and both bodies, surfaced to template authors.
func (t *Template) DetectedVariables() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, part := range []string{t.Subject, t.HTML, t.Text} {
		for _, name := range ExtractVariables(part) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// MergeData overlays recipient data on the declared defaults. Recipient
// values win, including empty strings.
func (t *Template) MergeData(data map[string]string) map[string]string {
	merged := make(map[string]string, len(t.Variables)+len(data))
	for _, v := range t.Variables {
		if v.Default != "" {
			merged[v.Name] = v.Default
		}
	}
	for k, val := range data {
		merged[k] = val
	}
	return merged
}

// Render personalizes the subject and bodies for one recipient.
func (t *Template) Render(data map[string]string) RenderResult {
	merged := t.MergeData(data)
	return RenderResult{
		Subject: Render(t.Subject, merged),
		HTML:    Render(t.HTML, merged),
		Text:    Render(t.Text, merged),
	}
}
