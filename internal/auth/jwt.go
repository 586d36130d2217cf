// Package auth verifies bearer tokens issued by an OIDC provider and
// derives the UserContext the rest of the system runs as. Login flows and
// provider discovery are explicit non-goals; this package only verifies an
// already-issued token and reads roles/permissions out of its claims.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flydesk/flydesk/internal/models"
)

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates a raw bearer token and returns the UserContext it
// represents.
type Verifier interface {
	Verify(token string) (*models.UserContext, error)
}

// Config configures claim extraction.
type Config struct {
	Secret           string // HMAC verification key
	RolesClaim       string
	PermissionsClaim string
}

// JWTVerifier implements Verifier for HS256 tokens, reading OIDC-shaped
// claims rather than a fixed claims struct.
type JWTVerifier struct {
	secret           []byte
	rolesClaim       string
	permissionsClaim string
}

// NewJWTVerifier constructs a Verifier from Config, defaulting claim names
// the way OIDCConfig does.
func NewJWTVerifier(cfg Config) *JWTVerifier {
	rolesClaim := cfg.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	permissionsClaim := cfg.PermissionsClaim
	if permissionsClaim == "" {
		permissionsClaim = "permissions"
	}
	return &JWTVerifier{
		secret:           []byte(cfg.Secret),
		rolesClaim:       rolesClaim,
		permissionsClaim: permissionsClaim,
	}
}

// Verify parses and validates token, then maps its claims onto UserContext.
func (v *JWTVerifier) Verify(token string) (*models.UserContext, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("auth: %w: no verification secret configured", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return nil, ErrInvalidToken
	}

	uc := &models.UserContext{
		UserID:      sub,
		DisplayName: stringClaim(claims, "name"),
		Email:       stringClaim(claims, "email"),
		Department:  stringClaim(claims, "department"),
		Title:       stringClaim(claims, "title"),
		Roles:       stringSliceClaim(claims, v.rolesClaim),
		Permissions: stringSliceClaim(claims, v.permissionsClaim),
		RawClaims:   claims,
	}
	if systems := dotPath(claims, "access_scopes.systems"); systems != nil {
		uc.AccessScopes.Systems = toStringSlice(systems)
	}
	return uc, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	return toStringSlice(claims[key])
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return strings.Fields(vv)
	default:
		return nil
	}
}

// dotPath resolves a dot-separated path ("access_scopes.systems") through
// nested maps, the same traversal the SSO attribute mapper uses against
// raw_claims.
func dotPath(claims jwt.MapClaims, path string) any {
	var cur any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
