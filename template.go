package skiff

import (
	"strings"
	"text/template"
)

// TemplateError reports a template parse failure or a reference to an
// unbound variable. Callers surface it to the model as a FormatError when
// the template came from model output handling.
type TemplateError struct {
	Detail string
}

func (e *TemplateError) Error() string { return "template: " + e.Detail }

// Render executes tmpl against vars with strict-undefined semantics:
// referencing a variable absent from vars fails instead of expanding to an
// empty string. The renderer is pure and stateless.
func Render(tmpl string, vars map[string]any) (string, error) {
	t, err := template.New("skiff").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", &TemplateError{Detail: err.Error()}
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", &TemplateError{Detail: err.Error()}
	}
	return b.String(), nil
}

// MergeVars overlays variable maps left to right; later maps win on key
// collision. The inputs are not modified.
func MergeVars(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
