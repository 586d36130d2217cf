package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/flydesk/flydesk/internal/models"
)

// widgetRe matches one inline widget directive: an attribute list in braces
// followed by a JSON props body on its own lines. DOTALL so the body may
// span lines.
var widgetRe = regexp.MustCompile(`(?s):::widget\{([^}]+)\}\s*\n(.*?)\n:::`)

// ParseWidgets extracts every widget directive from text and returns the
// directives alongside the text with those blocks removed, trimmed at the
// seams. Malformed blocks (bad attributes, non-object JSON body) are left
// in place untouched.
func ParseWidgets(text string) ([]models.WidgetDirective, string) {
	matches := widgetRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	var directives []models.WidgetDirective
	var stripped strings.Builder
	last := 0
	for _, m := range matches {
		attrs := text[m[2]:m[3]]
		body := text[m[4]:m[5]]

		d, ok := parseDirective(attrs, body)
		if !ok {
			stripped.WriteString(text[last:m[1]])
			last = m[1]
			continue
		}
		directives = append(directives, d)

		stripped.WriteString(strings.TrimRight(text[last:m[0]], " \t\n"))
		last = m[1]
	}
	tail := strings.TrimLeft(text[last:], " \t\n")
	if stripped.Len() > 0 && tail != "" {
		stripped.WriteString("\n")
	}
	stripped.WriteString(tail)
	return directives, stripped.String()
}

func parseDirective(attrs, body string) (models.WidgetDirective, bool) {
	var d models.WidgetDirective
	for key, value := range parseAttrs(attrs) {
		switch key {
		case "type":
			d.Type = value
		case "panel":
			d.Panel = value
		case "inline":
			d.Inline = value == "true"
		case "blocking":
			d.Blocking = value == "true"
		case "action":
			d.Action = value
		}
	}
	if d.Type == "" {
		return d, false
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &props); err != nil {
		return d, false
	}
	d.Props = props
	return d, true
}

// parseAttrs splits `key=value key2="quoted value"` pairs. Values may be
// double-quoted; quoting is required for values containing spaces.
func parseAttrs(attrs string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(attrs) {
		for i < len(attrs) && (attrs[i] == ' ' || attrs[i] == '\t') {
			i++
		}
		start := i
		for i < len(attrs) && attrs[i] != '=' && attrs[i] != ' ' {
			i++
		}
		if i >= len(attrs) || attrs[i] != '=' {
			break
		}
		key := attrs[start:i]
		i++ // skip '='
		var value string
		if i < len(attrs) && attrs[i] == '"' {
			i++
			vstart := i
			for i < len(attrs) && attrs[i] != '"' {
				i++
			}
			value = attrs[vstart:i]
			if i < len(attrs) {
				i++ // closing quote
			}
		} else {
			vstart := i
			for i < len(attrs) && attrs[i] != ' ' {
				i++
			}
			value = attrs[vstart:i]
		}
		if key != "" {
			out[key] = value
		}
	}
	return out
}
