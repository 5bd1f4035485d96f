// Package templates renders the SMS bodies sent to callers.
package templates

import (
	"bytes"
	"fmt"
	"text/template"
)

// Renderer holds a set of parsed text templates keyed by name.
type Renderer struct {
	templates map[string]*template.Template
}

// New parses every template up front with strict missing-key semantics.
func New(sources map[string]string) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template, len(sources))}
	for name, text := range sources {
		if text == "" {
			return nil, fmt.Errorf("templates: %s: template text required", name)
		}
		t, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Render executes the named template.
func (r *Renderer) Render(name string, data any) (string, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %s: %w", name, err)
	}
	return buf.String(), nil
}
