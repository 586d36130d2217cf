// Package config loads Firefly Desk's FLYDESK_-prefixed environment
// configuration into a typed, validated struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved process configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	OIDC        OIDCConfig
	Embedding   EmbeddingConfig
	VectorStore VectorStoreConfig
	Audit       AuditConfig
	RateLimit   RateLimitConfig
	Files       FilesConfig
	Credential  CredentialConfig
	DevMode     bool
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

// DatabaseConfig holds the relational store connection string.
type DatabaseConfig struct {
	URL string
}

// OIDCConfig configures bearer-token verification (login flow is a
// non-goal; only verification is in scope).
type OIDCConfig struct {
	Issuer           string
	ClientID         string
	ClientSecret     string
	Scopes           []string
	RedirectURI      string
	RolesClaim       string
	PermissionsClaim string
	ProviderType     string
}

// EmbeddingConfig configures the knowledge pipeline's embedder.
type EmbeddingConfig struct {
	Provider   string // parsed from "provider:model"
	Model      string
	Dimensions int
}

// VectorStoreConfig selects the vector-store backend.
type VectorStoreConfig struct {
	Backend string // pgvector|chromadb|pinecone|sqlite|memory
}

// AuditConfig controls audit retention.
type AuditConfig struct {
	RetentionDays int
}

// RateLimitConfig bounds per-user request rate.
type RateLimitConfig struct {
	PerUser int
}

// FilesConfig bounds uploaded-file handling.
type FilesConfig struct {
	StoragePath string
	MaxSizeMB   int
}

// CredentialConfig holds the symmetric key used to encrypt Credential rows
// at rest.
type CredentialConfig struct {
	EncryptionKey string
}

// Load reads FLYDESK_* environment variables, applies defaults, and
// validates required fields. A configuration error is fatal at startup.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        envInt("FLYDESK_PORT", 8080),
			CORSOrigins: envList("FLYDESK_CORS_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("FLYDESK_DATABASE_URL"),
		},
		OIDC: OIDCConfig{
			Issuer:           os.Getenv("FLYDESK_OIDC_ISSUER"),
			ClientID:         os.Getenv("FLYDESK_OIDC_CLIENT_ID"),
			ClientSecret:     os.Getenv("FLYDESK_OIDC_CLIENT_SECRET"),
			Scopes:           envList("FLYDESK_OIDC_SCOPES"),
			RedirectURI:      os.Getenv("FLYDESK_OIDC_REDIRECT_URI"),
			RolesClaim:       envOr("FLYDESK_OIDC_ROLES_CLAIM", "roles"),
			PermissionsClaim: envOr("FLYDESK_OIDC_PERMISSIONS_CLAIM", "permissions"),
			ProviderType:     os.Getenv("FLYDESK_OIDC_PROVIDER_TYPE"),
		},
		VectorStore: VectorStoreConfig{
			Backend: envOr("FLYDESK_VECTOR_STORE", "memory"),
		},
		Audit: AuditConfig{
			RetentionDays: envInt("FLYDESK_AUDIT_RETENTION_DAYS", 90),
		},
		RateLimit: RateLimitConfig{
			PerUser: envInt("FLYDESK_RATE_LIMIT_PER_USER", 60),
		},
		Files: FilesConfig{
			StoragePath: envOr("FLYDESK_FILE_STORAGE_PATH", "./data/files"),
			MaxSizeMB:   envInt("FLYDESK_FILE_MAX_SIZE_MB", 25),
		},
		Credential: CredentialConfig{
			EncryptionKey: os.Getenv("FLYDESK_CREDENTIAL_ENCRYPTION_KEY"),
		},
		DevMode: envBool("FLYDESK_DEV_MODE", false),
	}

	provider, model := splitProviderModel(os.Getenv("FLYDESK_EMBEDDING_MODEL"))
	cfg.Embedding = EmbeddingConfig{
		Provider:   provider,
		Model:      model,
		Dimensions: envInt("FLYDESK_EMBEDDING_DIMENSIONS", 1536),
	}

	if err := applyFileOverlay(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// splitProviderModel parses the "provider:model" embedding selector.
func splitProviderModel(v string) (provider, model string) {
	provider, model, _ = strings.Cut(v, ":")
	return provider, model
}

func (c *Config) validate() error {
	if c.Database.URL == "" && !c.DevMode {
		return fmt.Errorf("FLYDESK_DATABASE_URL is required")
	}
	switch c.VectorStore.Backend {
	case "pgvector", "chromadb", "pinecone", "sqlite", "memory":
	default:
		return fmt.Errorf("FLYDESK_VECTOR_STORE: unsupported backend %q", c.VectorStore.Backend)
	}
	if c.RateLimit.PerUser < 0 {
		return fmt.Errorf("FLYDESK_RATE_LIMIT_PER_USER must be >= 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// routingCacheTTL is the default TTL for the RoutingConfig cache.
const routingCacheTTL = 60 * time.Second

// RoutingCacheTTL exposes the router's cache interval for the config
// package's callers.
func RoutingCacheTTL() time.Duration { return routingCacheTTL }
