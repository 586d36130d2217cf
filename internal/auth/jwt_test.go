package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifierExtractsClaims(t *testing.T) {
	v := NewJWTVerifier(Config{Secret: "test-secret", RolesClaim: "roles", PermissionsClaim: "permissions"})

	token := signTestToken(t, "test-secret", jwt.MapClaims{
		"sub":         "user-1",
		"name":        "Jordan Avery",
		"email":       "jordan@example.com",
		"roles":       []any{"agent-operator"},
		"permissions": []any{"chat.write", "tools.invoke"},
		"exp":         time.Now().Add(time.Hour).Unix(),
		"access_scopes": map[string]any{
			"systems": []any{"billing", "crm"},
		},
	})

	uc, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if uc.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", uc.UserID)
	}
	if !uc.HasPermission("chat.write") {
		t.Error("expected chat.write permission")
	}
	if uc.HasPermission("admin.delete") {
		t.Error("did not expect admin.delete permission")
	}
	if !uc.CanAccessSystem("billing") || uc.CanAccessSystem("other-system") {
		t.Errorf("scope isolation failed: %+v", uc.AccessScopes)
	}
}

func TestJWTVerifierAdminWildcardBypassesScopes(t *testing.T) {
	v := NewJWTVerifier(Config{Secret: "s"})
	token := signTestToken(t, "s", jwt.MapClaims{
		"sub":         "admin-1",
		"permissions": []any{"*"},
		"access_scopes": map[string]any{
			"systems": []any{"billing"},
		},
	})
	uc, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !uc.CanAccessSystem("any-other-system") {
		t.Error("admin wildcard should bypass scope isolation")
	}
}

func TestJWTVerifierRejectsBadSignature(t *testing.T) {
	v := NewJWTVerifier(Config{Secret: "correct-secret"})
	token := signTestToken(t, "wrong-secret", jwt.MapClaims{"sub": "user-1"})
	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifierRejectsEmptyToken(t *testing.T) {
	v := NewJWTVerifier(Config{Secret: "s"})
	if _, err := v.Verify(""); err != ErrMissingToken {
		t.Errorf("Verify(\"\") error = %v, want ErrMissingToken", err)
	}
}
