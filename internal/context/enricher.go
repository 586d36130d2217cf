package context

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flydesk/flydesk/internal/knowledge"
	"github.com/flydesk/flydesk/internal/models"
	"github.com/flydesk/flydesk/internal/tools"
)

// FeedbackSummary is the aggregated thumbs-up/down counts for the feedback
// section. No dedicated store model backs this in the core schema; callers
// that track feedback elsewhere pass the rollup in, and an Enricher given a
// nil summary simply omits the section.
type FeedbackSummary struct {
	ThumbsUp   int
	ThumbsDown int
	ByCategory map[string]int
}

// TurnInputs are the per-turn, caller-supplied sections layered on top of
// the fixed identity/tools/guidelines sections.
type TurnInputs struct {
	User           *models.UserContext
	Tools          []tools.Tool
	KnowledgeHits  []knowledge.Hit
	FileContext    []string // extracted text per attached upload
	HistorySummary string
	Feedback       *FeedbackSummary
}

// Section template names, in prompt order. Each is registered with a
// default body at construction and may be overridden via RegisterTemplate.
const (
	TemplateIdentity  = "identity"
	TemplateUser      = "user_context"
	TemplateTools     = "available_tools"
	TemplateWidgets   = "widget_instructions"
	TemplateGuides    = "behavioral_guidelines"
	TemplateKnowledge = "knowledge_context"
	TemplateFiles     = "file_context"
	TemplateHistory   = "history_summary"
	TemplateFeedback  = "feedback_summary"
)

var defaultTemplates = map[string]string{
	TemplateIdentity: "{{identity}}",
	TemplateUser:     "User context:\n{{lines}}",
	TemplateTools:    "Available tools:\n{{lines}}",
	TemplateWidgets: "Widget instructions:\n" +
		"To render a UI widget, emit a block of the form:\n" +
		":::widget{type=\"...\" panel=\"...\" inline=\"true\" blocking=\"false\" action=\"...\"}\n" +
		"{\"key\": \"value\"}\n" +
		":::\n" +
		"`type` is required; the body must be a single JSON object used as the widget's props. " +
		"Directives are stripped from the text shown to the user.",
	TemplateGuides: "Behavioral guidelines:\n" +
		"Be concise and direct. Ask clarifying questions when requirements are ambiguous. " +
		"Never fabricate tool results. Always confirm before a high-risk or destructive action executes. " +
		"Do not exfiltrate credentials or secrets.",
	TemplateKnowledge: "Knowledge context:\n{{lines}}",
	TemplateFiles:     "File context:\n{{lines}}",
	TemplateHistory:   "Conversation history summary:\n{{summary}}",
	TemplateFeedback:  "Feedback summary:\n{{lines}}",
}

// sectionOrder fixes the composition order of the rendered prompt.
var sectionOrder = []string{
	TemplateIdentity,
	TemplateUser,
	TemplateTools,
	TemplateWidgets,
	TemplateGuides,
	TemplateKnowledge,
	TemplateFiles,
	TemplateHistory,
	TemplateFeedback,
}

// Enricher builds the system prompt and tool manifest for one turn. Every
// section is rendered through the template engine, so deployments can
// re-register section bodies without touching composition.
type Enricher struct {
	identity  string // agent persona, fixed at startup
	maxTokens int    // knowledge-section token budget
	templates *Engine
}

// NewEnricher constructs an Enricher with the default section templates.
// identity is the fixed agent persona line; maxTokens bounds the
// knowledge-context section via the max_tokens*4 character approximation.
func NewEnricher(identity string, maxTokens int) *Enricher {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	engine := NewEngine()
	for name, src := range defaultTemplates {
		engine.Register(name, src)
	}
	return &Enricher{identity: identity, maxTokens: maxTokens, templates: engine}
}

// RegisterTemplate overrides one named section template.
func (e *Enricher) RegisterTemplate(name, src string) {
	e.templates.Register(name, src)
}

// Build renders each section through the template engine in fixed order
// and returns the composed system prompt plus the filtered tool manifest.
// Sections with no data this turn are omitted.
func (e *Enricher) Build(ctx context.Context, in TurnInputs) (string, []tools.Manifest) {
	manifests := tools.Manifests(in.Tools)

	data := map[string]map[string]string{
		TemplateIdentity:  {"identity": identityLine(e.identity)},
		TemplateUser:      {"lines": userLines(in.User)},
		TemplateTools:     {"lines": toolLines(manifests)},
		TemplateWidgets:   {},
		TemplateGuides:    {},
		TemplateKnowledge: {"lines": knowledgeLines(in.KnowledgeHits, e.maxTokens)},
		TemplateFiles:     {"lines": fileLines(in.FileContext)},
		TemplateHistory:   {"summary": strings.TrimSpace(in.HistorySummary)},
		TemplateFeedback:  {"lines": feedbackLines(in.Feedback)},
	}

	var sections []string
	for _, name := range sectionOrder {
		vars := data[name]
		if skipWhenEmpty(name) && emptyVars(vars) {
			continue
		}
		if s := e.templates.Render(name, vars); s != "" {
			sections = append(sections, s)
		}
	}
	return strings.Join(sections, "\n\n"), manifests
}

// skipWhenEmpty reports whether a section is omitted when its variables
// carry no content. The widget and guideline sections are static and
// always present.
func skipWhenEmpty(name string) bool {
	return name != TemplateWidgets && name != TemplateGuides
}

func emptyVars(vars map[string]string) bool {
	for _, v := range vars {
		if v != "" {
			return false
		}
	}
	return true
}

func identityLine(identity string) string {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "You are Firefly Desk, a backoffice assistant that retrieves knowledge, calls enterprise systems, and drives multi-step workflows on the user's behalf."
	}
	return identity
}

func userLines(user *models.UserContext) string {
	if user == nil {
		return ""
	}
	parts := []string{}
	if user.DisplayName != "" {
		parts = append(parts, user.DisplayName)
	}
	if len(user.Roles) > 0 {
		parts = append(parts, "roles: "+strings.Join(user.Roles, ", "))
	}
	if user.Department != "" {
		parts = append(parts, "department: "+user.Department)
	}
	if user.Title != "" {
		parts = append(parts, "title: "+user.Title)
	}
	return strings.Join(parts, "\n")
}

func toolLines(manifests []tools.Manifest) string {
	if len(manifests) == 0 {
		return ""
	}
	lines := make([]string, 0, len(manifests))
	for _, m := range manifests {
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Name, m.Description))
	}
	return strings.Join(lines, "\n")
}

func knowledgeLines(hits []knowledge.Hit, maxTokens int) string {
	if len(hits) == 0 {
		return ""
	}
	budget := maxTokens * 4
	lines := make([]string, 0, len(hits))
	used := 0
	for _, h := range hits {
		entry := fmt.Sprintf("- [%s] (score %.2f) %s", h.DocumentTitle, h.Chunk.Score, h.Chunk.Content)
		if used+len(entry) > budget {
			remaining := budget - used
			if remaining <= 0 {
				break
			}
			entry = entry[:remaining] + "..."
			lines = append(lines, entry)
			break
		}
		lines = append(lines, entry)
		used += len(entry)
	}
	return strings.Join(lines, "\n")
}

func fileLines(files []string) string {
	nonEmpty := make([]string, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(f))
		}
	}
	return strings.Join(nonEmpty, "\n---\n")
}

func feedbackLines(f *FeedbackSummary) string {
	if f == nil || (f.ThumbsUp == 0 && f.ThumbsDown == 0 && len(f.ByCategory) == 0) {
		return ""
	}
	lines := []string{fmt.Sprintf("thumbs up: %d, thumbs down: %d", f.ThumbsUp, f.ThumbsDown)}
	categories := make([]string, 0, len(f.ByCategory))
	for category := range f.ByCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		lines = append(lines, fmt.Sprintf("- %s: %d", category, f.ByCategory[category]))
	}
	return strings.Join(lines, "\n")
}
