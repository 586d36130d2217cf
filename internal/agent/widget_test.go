package agent

import (
	"strings"
	"testing"
)

func TestParseWidgetsSingleDirective(t *testing.T) {
	text := "Here is your chart:\n:::widget{type=\"chart\" panel=\"right\" inline=\"true\"}\n{\"series\": [1, 2, 3]}\n:::\nLet me know if you need more."

	directives, stripped := ParseWidgets(text)
	if len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(directives))
	}
	d := directives[0]
	if d.Type != "chart" || d.Panel != "right" || !d.Inline {
		t.Errorf("unexpected directive: %+v", d)
	}
	if _, ok := d.Props["series"]; !ok {
		t.Errorf("props not parsed: %v", d.Props)
	}
	if strings.Contains(stripped, ":::widget") {
		t.Errorf("directive not stripped: %q", stripped)
	}
	if !strings.Contains(stripped, "Here is your chart:") || !strings.Contains(stripped, "Let me know") {
		t.Errorf("surrounding text lost: %q", stripped)
	}
}

func TestParseWidgetsMultipleDirectives(t *testing.T) {
	text := ":::widget{type=\"a\"}\n{\"x\": 1}\n:::\nmiddle\n:::widget{type=\"b\" action=\"refresh\"}\n{\"y\": 2}\n:::"

	directives, stripped := ParseWidgets(text)
	if len(directives) != 2 {
		t.Fatalf("expected 2 directives, got %d", len(directives))
	}
	if directives[0].Type != "a" || directives[1].Type != "b" {
		t.Errorf("directive order wrong: %+v", directives)
	}
	if directives[1].Action != "refresh" {
		t.Errorf("action not parsed: %+v", directives[1])
	}
	if strings.TrimSpace(stripped) != "middle" {
		t.Errorf("expected only seam text to survive, got %q", stripped)
	}
}

func TestParseWidgetsNoDirectives(t *testing.T) {
	text := "plain text with no widgets"
	directives, stripped := ParseWidgets(text)
	if directives != nil {
		t.Fatalf("expected no directives, got %v", directives)
	}
	if stripped != text {
		t.Errorf("text altered: %q", stripped)
	}
}

func TestParseWidgetsMissingTypeLeftInPlace(t *testing.T) {
	text := ":::widget{panel=\"left\"}\n{\"x\": 1}\n:::"
	directives, stripped := ParseWidgets(text)
	if len(directives) != 0 {
		t.Fatalf("directive without type must be rejected, got %v", directives)
	}
	if !strings.Contains(stripped, ":::widget") {
		t.Errorf("malformed block should stay in text, got %q", stripped)
	}
}

func TestParseWidgetsBadJSONBodyLeftInPlace(t *testing.T) {
	text := ":::widget{type=\"chart\"}\nnot json\n:::"
	directives, stripped := ParseWidgets(text)
	if len(directives) != 0 {
		t.Fatalf("directive with non-JSON body must be rejected, got %v", directives)
	}
	if !strings.Contains(stripped, "not json") {
		t.Errorf("malformed block should stay in text, got %q", stripped)
	}
}

func TestParseWidgetsMultilineBody(t *testing.T) {
	text := ":::widget{type=\"form\" blocking=\"true\"}\n{\n  \"fields\": [\"name\", \"email\"]\n}\n:::"
	directives, _ := ParseWidgets(text)
	if len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(directives))
	}
	if !directives[0].Blocking {
		t.Errorf("blocking attribute not parsed")
	}
	if _, ok := directives[0].Props["fields"]; !ok {
		t.Errorf("multiline JSON body not parsed: %v", directives[0].Props)
	}
}
