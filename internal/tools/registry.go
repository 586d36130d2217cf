package tools

import (
	"sort"
	"sync"

	"github.com/flydesk/flydesk/internal/models"
)

// riskTool is implemented by tools that carry the catalog's risk/scope
// metadata the registry filters on (currently only *CatalogTool).
type riskTool interface {
	RiskLevel() models.RiskLevel
	SystemID() string
	RequiredPermissions() []string
}

// Registry holds every tool currently registered (catalog-derived,
// custom, and built-in) and produces the per-user filtered manifest the
// context enricher and agent executor both need.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	builtin map[string]bool // names always available irrespective of permissions
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), builtin: make(map[string]bool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterBuiltin adds a tool that bypasses permission/scope filtering
func (r *Registry) RegisterBuiltin(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.builtin[t.Name()] = true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ForUser returns every tool visible to user: built-ins unconditionally,
// plus every other tool whose permission and scope requirements the user
// satisfies. Results are sorted by name
// so the rendered prompt is deterministic given identical inputs.
func (r *Registry) ForUser(user *models.UserContext) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if r.builtin[name] {
			out = append(out, t)
			continue
		}
		if visible(t, user) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func visible(t Tool, user *models.UserContext) bool {
	rt, ok := t.(riskTool)
	if !ok {
		// Tools without catalog metadata (custom tools) have no
		// permission/scope requirement of their own.
		return true
	}
	if user == nil {
		return false
	}
	if !user.HasAllPermissions(rt.RequiredPermissions()) {
		return false
	}
	if !user.CanAccessSystem(rt.SystemID()) {
		return false
	}
	return true
}

// Manifests renders the filtered tool set as name+description pairs for
// the "available tools" prompt section.
func Manifests(tools []Tool) []Manifest {
	out := make([]Manifest, 0, len(tools))
	for _, t := range tools {
		m := Manifest{Name: t.Name(), Description: t.Description(), Schema: t.Schema()}
		if rt, ok := t.(riskTool); ok {
			m.RiskLevel = string(rt.RiskLevel())
			m.SystemID = rt.SystemID()
		}
		out = append(out, m)
	}
	return out
}
