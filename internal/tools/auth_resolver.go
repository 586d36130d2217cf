package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flydesk/flydesk/internal/crypto"
	"github.com/flydesk/flydesk/internal/models"
)

// SSOMapping emits one extra header derived from the caller's OIDC claims
// when invoking a catalog tool. It is process configuration,
// not a persisted entity — there is no admin CRUD surface for it in scope.
type SSOMapping struct {
	SystemFilter []string // empty = applies to every system
	ClaimPath    string   // dot-notation path into UserContext.RawClaims
	Transform    string   // uppercase | lowercase | prefix:X | base64 | "" (pass-through)
	HeaderName   string
}

func (m SSOMapping) appliesTo(systemID string) bool {
	if len(m.SystemFilter) == 0 {
		return true
	}
	for _, s := range m.SystemFilter {
		if s == systemID {
			return true
		}
	}
	return false
}

// AuthResolver resolves the auth header for a catalog tool call and applies
// SSO attribute mappings.
type AuthResolver struct {
	sealer   *crypto.Sealer
	mappings []SSOMapping

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource // per system, for oauth2 client-credentials
}

// NewAuthResolver constructs an AuthResolver. sealer may be nil in dev mode,
// in which case credential values are treated as already-plaintext.
func NewAuthResolver(sealer *crypto.Sealer, mappings []SSOMapping) *AuthResolver {
	return &AuthResolver{
		sealer:   sealer,
		mappings: mappings,
		sources:  make(map[string]oauth2.TokenSource),
	}
}

// ResolveCredentialHeader returns the (name, value) header pair that
// authenticates a request to system, per its configured auth type.
func (r *AuthResolver) ResolveCredentialHeader(system *models.ExternalSystem, cred *models.Credential) (name, value string, err error) {
	token, err := r.decrypt(cred)
	if err != nil {
		return "", "", err
	}

	switch system.AuthConfig.Type {
	case models.AuthBearer:
		return "Authorization", "Bearer " + token, nil
	case models.AuthAPIKey:
		header := system.AuthConfig.HeaderName
		if header == "" {
			return "", "", fmt.Errorf("system %s: api_key auth requires a header name", system.ID)
		}
		return header, token, nil
	case models.AuthBasic:
		return "Authorization", "Basic " + token, nil
	case models.AuthOAuth2:
		// A stored client-credentials grant (JSON value) is exchanged and
		// refreshed via the token source; any other value is treated as an
		// already-issued bearer token.
		if grant, ok := parseClientCredentials(token); ok {
			fetched, err := r.oauth2Token(system.ID, grant)
			if err != nil {
				return "", "", fmt.Errorf("system %s: oauth2 token: %w", system.ID, err)
			}
			return "Authorization", "Bearer " + fetched, nil
		}
		return "Authorization", "Bearer " + token, nil
	default:
		return "", "", fmt.Errorf("system %s: unsupported auth type %q", system.ID, system.AuthConfig.Type)
	}
}

func (r *AuthResolver) decrypt(cred *models.Credential) (string, error) {
	if cred == nil {
		return "", nil
	}
	if r.sealer == nil {
		return string(cred.EncryptedValue), nil
	}
	plaintext, err := r.sealer.Open(cred.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}
	return string(plaintext), nil
}

// clientCredentialsGrant is the JSON shape an oauth2 Credential value may
// carry instead of a raw token.
type clientCredentialsGrant struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

func parseClientCredentials(value string) (clientCredentialsGrant, bool) {
	var grant clientCredentialsGrant
	if err := json.Unmarshal([]byte(value), &grant); err != nil {
		return grant, false
	}
	return grant, grant.ClientID != "" && grant.TokenURL != ""
}

// oauth2Token returns a valid access token for the system, creating and
// caching a reusable token source on first use. The source refreshes
// near-expiry tokens on its own.
func (r *AuthResolver) oauth2Token(systemID string, grant clientCredentialsGrant) (string, error) {
	r.mu.Lock()
	source, ok := r.sources[systemID]
	if !ok {
		cfg := clientcredentials.Config{
			ClientID:     grant.ClientID,
			ClientSecret: grant.ClientSecret,
			TokenURL:     grant.TokenURL,
			Scopes:       grant.Scopes,
		}
		source = oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.Background()))
		r.sources[systemID] = source
	}
	r.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// SSOHeaders evaluates every mapping that applies to systemID and returns
// the headers to attach; when two mappings set the same header, the later
// mapping wins.
func (r *AuthResolver) SSOHeaders(systemID string, user *models.UserContext) map[string]string {
	headers := make(map[string]string)
	if user == nil {
		return headers
	}
	for _, m := range r.mappings {
		if !m.appliesTo(systemID) {
			continue
		}
		raw := dotPath(user.RawClaims, m.ClaimPath)
		value, ok := toHeaderString(raw)
		if !ok {
			continue
		}
		headers[m.HeaderName] = applyTransform(value, m.Transform)
	}
	return headers
}

func dotPath(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func toHeaderString(v any) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, vv != ""
	case fmt.Stringer:
		return vv.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", vv), true
	}
}

func applyTransform(value, transform string) string {
	switch {
	case transform == "uppercase":
		return strings.ToUpper(value)
	case transform == "lowercase":
		return strings.ToLower(value)
	case transform == "base64":
		return base64.StdEncoding.EncodeToString([]byte(value))
	case strings.HasPrefix(transform, "prefix:"):
		return strings.TrimPrefix(transform, "prefix:") + value
	default:
		return value
	}
}
