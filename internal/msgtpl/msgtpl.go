// Package msgtpl renders the tenant-supplied message templates. Rendering is
// a soft-failure site: a broken template or a missing variable must never
// abort message processing, so Render returns "" on any error and the caller
// sends without the auxiliary part.
package msgtpl

import (
	"strings"
	"text/template"
)

// Render executes a tenant template against params and returns the result
// with CRLF line endings. Any parse or execution error yields "".
func Render(text string, params map[string]any) string {
	if text == "" {
		return ""
	}
	t, err := template.New("msg").Option("missingkey=zero").Parse(text)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	if err := t.Execute(&sb, params); err != nil {
		return ""
	}
	// missingkey=zero leaves "<no value>" markers behind for absent
	// variables; they render as empty text.
	out := strings.ReplaceAll(sb.String(), "<no value>", "")
	return ToCRLF(out)
}

// ToCRLF normalizes every line ending in s to CRLF.
func ToCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
