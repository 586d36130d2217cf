package models

import "time"

// KnowledgeDocument is a shared, indexable piece of content.
type KnowledgeDocument struct {
	ID           string
	Title        string
	Content      string
	Type         string
	Status       DocumentStatus
	Tags         []string
	WorkspaceIDs []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentChunk is one embedded slice of a KnowledgeDocument.
type DocumentChunk struct {
	ID         string
	DocumentID string
	Content    string
	ChunkIndex int
	Embedding  []float32
	Metadata   map[string]any
}

// ExternalSystem is a registered backend a ServiceEndpoint belongs to.
type ExternalSystem struct {
	ID         string
	BaseURL    string
	AuthConfig AuthConfig
	Status     string
	Tags       []string
}

// AuthConfig describes how credentials for an ExternalSystem are resolved.
type AuthConfig struct {
	Type       AuthType
	HeaderName string // for api_key auth
}

// ServiceEndpoint is one callable operation on an ExternalSystem.
type ServiceEndpoint struct {
	ID                  string
	SystemID            string
	Name                string
	Method              HTTPMethod
	Path                string
	RiskLevel           RiskLevel
	RequiredPermissions []string
	WhenToUse           string
	Examples            []string
	ParamSchema         map[string]any
	QueryParams         []string
	PathParams          []string
}

// Credential stores an encrypted secret bound to an ExternalSystem.
type Credential struct {
	ID             string
	SystemID       string
	EncryptedValue []byte
	ExpiresAt      *time.Time
}

// CustomTool is a user-defined code tool executed in the sandbox.
type CustomTool struct {
	ID             string
	Name           string
	Code           string
	ParametersJSON map[string]any
	OutputJSON     map[string]any
	TimeoutSeconds int
	MemoryCapMB    int
}
