// Package context assembles the per-turn system prompt and tool manifest
// the agent turn executor hands to the LLM.
package context

import "strings"

// Template is a small mustache-style template: "{{name}}" variables and
// "{{#name}}...{{/name}}" sections that render their body once per truthy
// value, or not at all when the key is missing/empty. No loops,
// partials, or inverted sections — the prompt sections this spec composes
// never need more than substitution and presence checks.
type Template struct {
	name string
	src  string
}

// Engine holds named templates registered at startup.
type Engine struct {
	templates map[string]Template
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine {
	return &Engine{templates: make(map[string]Template)}
}

// Register adds a template under name, overwriting any prior registration.
func (e *Engine) Register(name, src string) {
	e.templates[name] = Template{name: name, src: src}
}

// Render looks up a registered template and renders it against data. An
// unregistered name renders to the empty string rather than erroring, since
// every caller in this package treats an unconfigured section as "omit".
func (e *Engine) Render(name string, data map[string]string) string {
	tpl, ok := e.templates[name]
	if !ok {
		return ""
	}
	return renderString(tpl.src, data)
}

// RenderString renders an inline template string without registering it.
// The Enricher's sections do not use it; they render through registered
// templates via Engine.Render.
func RenderString(src string, data map[string]string) string {
	return renderString(src, data)
}

func renderString(src string, data map[string]string) string {
	var out strings.Builder
	i := 0
	for i < len(src) {
		start := strings.Index(src[i:], "{{")
		if start < 0 {
			out.WriteString(src[i:])
			break
		}
		start += i
		out.WriteString(src[i:start])

		end := strings.Index(src[start:], "}}")
		if end < 0 {
			out.WriteString(src[start:])
			break
		}
		end += start
		tag := strings.TrimSpace(src[start+2 : end])
		i = end + 2

		if strings.HasPrefix(tag, "#") {
			key := strings.TrimSpace(tag[1:])
			closeTag := "{{/" + key + "}}"
			closeIdx := strings.Index(src[i:], closeTag)
			if closeIdx < 0 {
				// Malformed section: treat the rest as literal.
				out.WriteString(src[i:])
				i = len(src)
				break
			}
			body := src[i : i+closeIdx]
			i += closeIdx + len(closeTag)
			if val := data[key]; val != "" {
				out.WriteString(renderString(body, data))
			}
			continue
		}

		out.WriteString(data[tag])
	}
	return out.String()
}
