// Package router implements the model router: a cached RoutingConfig
// plus a cheap-model complexity classifier that picks a tier (and thus a
// concrete model string) for each agent turn.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
)

// Decision is the router's output for one turn.
type Decision struct {
	Model               string
	Tier                models.ComplexityTier
	Confidence          float64
	Reasoning           string
	ClassifierLatencyMs int64
}

// configRepo is the subset of store.RoutingConfigRepo the router needs.
type configRepo interface {
	Get(ctx context.Context) (*models.RoutingConfig, error)
}

// cacheTTL bounds how long a loaded RoutingConfig is trusted.
const cacheTTL = 60 * time.Second

// Router selects a model per turn by classifying complexity against a
// cached RoutingConfig.
type Router struct {
	repo       configRepo
	classifier *llm.Registry

	mu       sync.Mutex
	cached   *models.RoutingConfig
	cachedAt time.Time
}

// New constructs a Router. classifier resolves the cheap classifier model
// named by RoutingConfig.ClassifierModel.
func New(repo configRepo, classifier *llm.Registry) *Router {
	return &Router{repo: repo, classifier: classifier}
}

// Invalidate drops the cached RoutingConfig; callers must call this after
// any write to the singleton row.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

// config returns the cached RoutingConfig, refreshing it if the TTL has
// elapsed. On a transient DB error it serves the stale cache if one exists
func (r *Router) config(ctx context.Context) (*models.RoutingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.cachedAt) < cacheTTL {
		return r.cached, nil
	}

	cfg, err := r.repo.Get(ctx)
	if err != nil {
		if r.cached != nil {
			return r.cached, nil
		}
		return nil, fmt.Errorf("load routing config: %w", err)
	}
	r.cached = cfg
	r.cachedAt = time.Now()
	return cfg, nil
}

// IsEnabled reports whether the cached RoutingConfig currently routes
// turns.
func (r *Router) IsEnabled(ctx context.Context) bool {
	cfg, err := r.config(ctx)
	if err != nil || cfg == nil {
		return false
	}
	return cfg.Enabled && len(cfg.TierMappings) > 0
}

// Route selects a model for one turn, or nil when routing is disabled or
// unconfigured.
func (r *Router) Route(ctx context.Context, message string, toolCount int, toolNames []string, turnCount int) (*Decision, error) {
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled || len(cfg.TierMappings) == 0 {
		return nil, nil
	}

	tier, confidence, reasoning, latencyMs := r.classify(ctx, cfg, message, toolCount, toolNames, turnCount)
	if confidence < 0.5 {
		tier = cfg.DefaultTier
	}

	model, ok := cfg.TierMappings[tier]
	if !ok {
		model, ok = cfg.TierMappings[cfg.DefaultTier]
		if !ok {
			return nil, nil
		}
		tier = cfg.DefaultTier
	}

	return &Decision{
		Model:               model,
		Tier:                tier,
		Confidence:          confidence,
		Reasoning:           reasoning,
		ClassifierLatencyMs: latencyMs,
	}, nil
}

// classifierResult is the strict JSON shape the classifier prompt demands.
type classifierResult struct {
	Tier       string  `json:"tier"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const classifierSystemPrompt = `You are a request complexity classifier for an internal backoffice agent.
Given the user's message and the number of tools currently available, respond with ONLY a JSON object of the form:
{"tier": "fast"|"balanced"|"powerful", "confidence": 0.0-1.0, "reasoning": "one short sentence"}
No other text.`

// classify runs the single short LLM call, parsing its reply
// as {tier, confidence, reasoning}. Any parse/transport failure maps to
// {tier=default, confidence=0.0} so a broken classifier never blocks a turn.
func (r *Router) classify(ctx context.Context, cfg *models.RoutingConfig, message string, toolCount int, toolNames []string, turnCount int) (models.ComplexityTier, float64, string, int64) {
	start := time.Now()

	provider := r.classifier.Resolve(cfg.ClassifierModel)
	if provider == nil {
		return cfg.DefaultTier, 0.0, "classifier error", time.Since(start).Milliseconds()
	}

	userPrompt := fmt.Sprintf(
		"message: %q\ntool_count: %d\ntool_names: %s\nturn_count: %d",
		message, toolCount, strings.Join(toolNames, ","), turnCount,
	)

	cctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	chunks, err := provider.Complete(cctx, llm.CompletionRequest{
		Model:     cfg.ClassifierModel,
		System:    classifierSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: userPrompt}},
		MaxTokens: 200,
	})
	if err != nil {
		return cfg.DefaultTier, 0.0, "classifier error", time.Since(start).Milliseconds()
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return cfg.DefaultTier, 0.0, "classifier error", time.Since(start).Milliseconds()
		}
		text.WriteString(chunk.Text)
	}

	var parsed classifierResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text.String())), &parsed); err != nil {
		return cfg.DefaultTier, 0.0, "classifier error", time.Since(start).Milliseconds()
	}

	tier := models.ComplexityTier(parsed.Tier)
	switch tier {
	case models.TierFast, models.TierBalanced, models.TierPowerful:
	default:
		tier = cfg.DefaultTier
	}

	return tier, parsed.Confidence, parsed.Reasoning, time.Since(start).Milliseconds()
}

// classifierTimeout bounds the classifier call.
const classifierTimeout = 5 * time.Second
