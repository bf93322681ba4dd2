package llm

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// DefaultApplyPrompt asks a model to merge a suggested edit into the code
// it is shown.
const DefaultApplyPrompt = "The following code was suggested as an edit:\n```\n{{ .new_code }}\n```\nPlease apply it to the previous code."

// DefaultEditPrompt rewrites the highlighted code between prefix and suffix.
const DefaultEditPrompt = `{{- if .prefix }}Here is the code before the section to rewrite:
` + "```{{ .language }}" + `
{{ .prefix }}
` + "```" + `

{{ end -}}
Rewrite this code:
` + "```{{ .language }}" + `
{{ .original_code }}
` + "```" + `
{{- if .suffix }}

Here is the code after it:
` + "```{{ .language }}" + `
{{ .suffix }}
` + "```" + `
{{- end }}

{{ .input }}

Reply with only the rewritten code in a single code block.`

// RenderPrompt executes a text/template prompt with the sprig functions.
func RenderPrompt(name, tmpl string, data map[string]any) (string, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing %s prompt template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing %s prompt template: %w", name, err)
	}
	return buf.String(), nil
}
