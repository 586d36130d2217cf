package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// RoutingConfigRepo persists the singleton RoutingConfig row.
type RoutingConfigRepo struct {
	db *DB
}

// NewRoutingConfigRepo constructs a RoutingConfigRepo.
func NewRoutingConfigRepo(db *DB) *RoutingConfigRepo { return &RoutingConfigRepo{db: db} }

// Get reads the singleton row, returning zero-value defaults if it has
// never been written.
func (r *RoutingConfigRepo) Get(ctx context.Context) (*models.RoutingConfig, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT enabled, classifier_model, default_tier, tier_mappings, updated_at
		FROM routing_config WHERE id = 1
	`)
	var cfg models.RoutingConfig
	var defaultTier string
	var mappingsBytes []byte
	err := row.Scan(&cfg.Enabled, &cfg.ClassifierModel, &defaultTier, &mappingsBytes, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return &models.RoutingConfig{Enabled: false, TierMappings: map[models.ComplexityTier]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routing config: %w", err)
	}
	cfg.DefaultTier = models.ComplexityTier(defaultTier)
	cfg.TierMappings = map[models.ComplexityTier]string{}
	if len(mappingsBytes) > 0 {
		var raw map[string]string
		if err := json.Unmarshal(mappingsBytes, &raw); err != nil {
			return nil, fmt.Errorf("unmarshal tier mappings: %w", err)
		}
		for k, v := range raw {
			cfg.TierMappings[models.ComplexityTier(k)] = v
		}
	}
	return &cfg, nil
}

// Put upserts the singleton row. Callers must invalidate the in-memory
// cache after a successful write.
func (r *RoutingConfigRepo) Put(ctx context.Context, cfg *models.RoutingConfig) error {
	raw := map[string]string{}
	for k, v := range cfg.TierMappings {
		raw[string(k)] = v
	}
	mappingsJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal tier mappings: %w", err)
	}
	cfg.UpdatedAt = time.Now().UTC()
	_, err = r.db.sql.ExecContext(ctx, `
		INSERT INTO routing_config (id, enabled, classifier_model, default_tier, tier_mappings, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			classifier_model = EXCLUDED.classifier_model,
			default_tier = EXCLUDED.default_tier,
			tier_mappings = EXCLUDED.tier_mappings,
			updated_at = EXCLUDED.updated_at
	`, cfg.Enabled, cfg.ClassifierModel, string(cfg.DefaultTier), mappingsJSON, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put routing config: %w", err)
	}
	return nil
}
