package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flydesk/flydesk/internal/models"
)

// systemCredentialResolver looks up the ExternalSystem and Credential that
// back one catalog endpoint, the subset of store.CatalogRepo the catalog
// tool wrapper needs.
type systemCredentialResolver interface {
	SystemOf(ctx context.Context, systemID string) (*models.ExternalSystem, error)
	CredentialFor(ctx context.Context, systemID string) (*models.Credential, error)
}

// CatalogTool adapts one enabled ServiceEndpoint into the Tool interface
// . Credentials are resolved lazily on each
// Execute call rather than cached, so a rotated Credential takes effect on
// the next invocation without restarting the process.
type CatalogTool struct {
	endpoint *models.ServiceEndpoint
	catalog  systemCredentialResolver
	auth     *AuthResolver
	httpDo   func(ctx context.Context, inv *Invoker, args map[string]any) (*Result, error)
}

// NewCatalogTool constructs a CatalogTool backed by a live HTTP invoker.
func NewCatalogTool(endpoint *models.ServiceEndpoint, catalog systemCredentialResolver, auth *AuthResolver) *CatalogTool {
	return &CatalogTool{
		endpoint: endpoint,
		catalog:  catalog,
		auth:     auth,
		httpDo: func(ctx context.Context, inv *Invoker, args map[string]any) (*Result, error) {
			return inv.Invoke(ctx, endpoint, userFromCatalogContext(ctx), args)
		},
	}
}

// Name returns the endpoint's tool name.
func (t *CatalogTool) Name() string { return t.endpoint.Name }

// Description renders the one-line "when to use" guidance the tool
// manifest section needs.
func (t *CatalogTool) Description() string { return t.endpoint.WhenToUse }

// Schema returns the endpoint's declared parameter schema.
func (t *CatalogTool) Schema() json.RawMessage {
	encoded, err := json.Marshal(t.endpoint.ParamSchema)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// RiskLevel exposes the endpoint's risk level so the executor can gate
// high-risk calls behind a confirmation round-trip.
func (t *CatalogTool) RiskLevel() models.RiskLevel { return t.endpoint.RiskLevel }

// SystemID exposes the owning system for scope filtering.
func (t *CatalogTool) SystemID() string { return t.endpoint.SystemID }

// RequiredPermissions exposes the endpoint's permission requirement.
func (t *CatalogTool) RequiredPermissions() []string { return t.endpoint.RequiredPermissions }

// Execute resolves the owning system and credential, then issues the HTTP
// call. Callers are responsible for the confirmation gate
// on high-risk endpoints before ever calling Execute.
func (t *CatalogTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrorResult("invalid arguments: " + err.Error()), nil
		}
	}

	system, err := t.catalog.SystemOf(ctx, t.endpoint.SystemID)
	if err != nil {
		return nil, fmt.Errorf("resolve system %s: %w", t.endpoint.SystemID, err)
	}
	if system == nil {
		return ErrorResult(fmt.Sprintf("unknown system %s", t.endpoint.SystemID)), nil
	}
	cred, err := t.catalog.CredentialFor(ctx, t.endpoint.SystemID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for %s: %w", t.endpoint.SystemID, err)
	}

	inv := NewInvoker(nil, t.auth, system, cred)
	return t.httpDo(ctx, inv, args)
}

type userContextKeyType struct{}

// userContextKey is shared with the agent package so a turn's UserContext
// rides along on ctx into Execute without widening the Tool interface.
var userContextKey = userContextKeyType{}

// WithUser attaches a UserContext to ctx for catalog tool SSO header
// resolution.
func WithUser(ctx context.Context, user *models.UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func userFromCatalogContext(ctx context.Context) *models.UserContext {
	user, _ := ctx.Value(userContextKey).(*models.UserContext)
	return user
}
