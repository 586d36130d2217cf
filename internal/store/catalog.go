package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flydesk/flydesk/internal/models"
)

// CatalogRepo persists ExternalSystem, ServiceEndpoint, and Credential rows
// . Deleting a system cascades to its endpoints at the database level
// (ON DELETE CASCADE in the schema, not re-implemented here).
type CatalogRepo struct {
	db *DB
}

// NewCatalogRepo constructs a CatalogRepo.
func NewCatalogRepo(db *DB) *CatalogRepo { return &CatalogRepo{db: db} }

// ListEnabledEndpoints returns every ServiceEndpoint across every
// non-disabled ExternalSystem, the raw material for the tool catalog
func (r *CatalogRepo) ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT e.id, e.system_id, e.name, e.method, e.path, e.risk_level,
			e.required_permissions, e.when_to_use, e.examples, e.param_schema,
			e.query_params, e.path_params
		FROM service_endpoints e
		JOIN external_systems s ON s.id = e.system_id
		WHERE s.status = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("list enabled endpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceEndpoint
	for rows.Next() {
		var e models.ServiceEndpoint
		var method, risk string
		var paramSchemaBytes []byte
		if err := rows.Scan(&e.ID, &e.SystemID, &e.Name, &method, &e.Path, &risk,
			pq.Array(&e.RequiredPermissions), &e.WhenToUse, pq.Array(&e.Examples),
			&paramSchemaBytes, pq.Array(&e.QueryParams), pq.Array(&e.PathParams)); err != nil {
			return nil, fmt.Errorf("scan service endpoint: %w", err)
		}
		e.Method = models.HTTPMethod(method)
		e.RiskLevel = models.RiskLevel(risk)
		if schema, err := unmarshalJSONMap(paramSchemaBytes); err == nil {
			e.ParamSchema = schema
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SystemOf returns the ExternalSystem that owns an endpoint, used by the
// auth resolver to look up base URL and auth config.
func (r *CatalogRepo) SystemOf(ctx context.Context, systemID string) (*models.ExternalSystem, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, base_url, auth_type, auth_header_name, status, tags
		FROM external_systems WHERE id = $1
	`, systemID)
	var s models.ExternalSystem
	var authType, headerName sql.NullString
	if err := row.Scan(&s.ID, &s.BaseURL, &authType, &headerName, &s.Status, pq.Array(&s.Tags)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get external system: %w", err)
	}
	s.AuthConfig = models.AuthConfig{
		Type:       models.AuthType(authType.String),
		HeaderName: headerName.String,
	}
	return &s, nil
}

// CredentialFor returns the (still-encrypted) credential for a system.
// Decryption is the caller's responsibility.
func (r *CatalogRepo) CredentialFor(ctx context.Context, systemID string) (*models.Credential, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, system_id, encrypted_value, expires_at
		FROM credentials WHERE system_id = $1 ORDER BY id DESC LIMIT 1
	`, systemID)
	var c models.Credential
	var expiresAt sql.NullTime
	if err := row.Scan(&c.ID, &c.SystemID, &c.EncryptedValue, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.ExpiresAt = timePtr(expiresAt)
	return &c, nil
}

// CustomToolRepo persists CustomTool rows.
type CustomToolRepo struct {
	db *DB
}

// NewCustomToolRepo constructs a CustomToolRepo.
func NewCustomToolRepo(db *DB) *CustomToolRepo { return &CustomToolRepo{db: db} }

// List returns every registered custom tool.
func (r *CustomToolRepo) List(ctx context.Context) ([]*models.CustomTool, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, name, code, parameters_schema, output_schema, timeout_seconds, memory_cap_mb
		FROM custom_tools
	`)
	if err != nil {
		return nil, fmt.Errorf("list custom tools: %w", err)
	}
	defer rows.Close()

	var out []*models.CustomTool
	for rows.Next() {
		var t models.CustomTool
		var paramsBytes, outputBytes []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Code, &paramsBytes, &outputBytes, &t.TimeoutSeconds, &t.MemoryCapMB); err != nil {
			return nil, fmt.Errorf("scan custom tool: %w", err)
		}
		if params, err := unmarshalJSONMap(paramsBytes); err == nil {
			t.ParametersJSON = params
		}
		if output, err := unmarshalJSONMap(outputBytes); err == nil {
			t.OutputJSON = output
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Create inserts a custom tool, enforcing the unique-name invariant at the
// database level (unique index on name).
func (r *CustomToolRepo) Create(ctx context.Context, t *models.CustomTool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	paramsJSON, err := marshalJSON(t.ParametersJSON)
	if err != nil {
		return fmt.Errorf("marshal tool parameters: %w", err)
	}
	outputJSON, err := marshalJSON(t.OutputJSON)
	if err != nil {
		return fmt.Errorf("marshal tool output schema: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO custom_tools (id, name, code, parameters_schema, output_schema, timeout_seconds, memory_cap_mb)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, t.Name, t.Code, paramsJSON, outputJSON, t.TimeoutSeconds, t.MemoryCapMB)
	if err != nil {
		return fmt.Errorf("create custom tool: %w", err)
	}
	return nil
}

// CreateSystem inserts an external system.
func (r *CatalogRepo) CreateSystem(ctx context.Context, s *models.ExternalSystem) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = "active"
	}
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO external_systems (id, base_url, auth_type, auth_header_name, status, tags)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, s.ID, s.BaseURL, string(s.AuthConfig.Type), s.AuthConfig.HeaderName, s.Status, pq.Array(s.Tags))
	if err != nil {
		return fmt.Errorf("create external system: %w", err)
	}
	return nil
}

// CreateEndpoint inserts a service endpoint under an existing system.
func (r *CatalogRepo) CreateEndpoint(ctx context.Context, e *models.ServiceEndpoint) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	schemaJSON, err := marshalJSON(e.ParamSchema)
	if err != nil {
		return fmt.Errorf("marshal endpoint schema: %w", err)
	}
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO service_endpoints (id, system_id, name, method, path, risk_level,
			required_permissions, when_to_use, examples, param_schema, query_params, path_params)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, e.ID, e.SystemID, e.Name, string(e.Method), e.Path, string(e.RiskLevel),
		pq.Array(e.RequiredPermissions), e.WhenToUse, pq.Array(e.Examples), schemaJSON,
		pq.Array(e.QueryParams), pq.Array(e.PathParams))
	if err != nil {
		return fmt.Errorf("create service endpoint: %w", err)
	}
	return nil
}

// DeleteSystem removes a system; its endpoints and credentials cascade at
// the schema level.
func (r *CatalogRepo) DeleteSystem(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `DELETE FROM external_systems WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete external system: %w", err)
	}
	return nil
}
