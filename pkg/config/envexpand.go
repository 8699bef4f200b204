package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax: {{.ROSEY_BOT_PASSWORD}} becomes the value of ROSEY_BOT_PASSWORD.
// Template syntax is used instead of $VAR so literal dollar signs in
// passwords and chat trigger patterns pass through untouched.
//
// Missing variables expand to the empty string; Validate catches required
// fields left empty. Content that fails to parse as a template is returned
// unchanged so plain YAML never breaks.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		// Split on the first = only; values may contain = themselves.
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
