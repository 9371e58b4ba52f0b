// Package templatefmt holds the helper set shared by notification templates.
package templatefmt

import (
	"encoding/json"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"level":    HumanLevel,
		"join":     strings.Join,
		"upper":    strings.ToUpper,
		"truncate": Truncate,
		"json":     MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// HumanLevel renders zero-based escalation level the way on-call people count it.
// Params: stored level index.
// Returns: "L1" for level 0, "L2" for level 1, and so on.
func HumanLevel(level int) string {
	if level < 0 {
		level = 0
	}
	return "L" + strconv.Itoa(level+1)
}

// Truncate shortens text to at most limit runes, marking the cut with "...".
func Truncate(limit int, text string) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
