package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flydesk/flydesk/internal/llm"
	"github.com/flydesk/flydesk/internal/models"
)

// staticRepo serves a fixed RoutingConfig.
type staticRepo struct {
	cfg *models.RoutingConfig
	err error
}

func (r *staticRepo) Get(context.Context) (*models.RoutingConfig, error) { return r.cfg, r.err }

// classifierStub returns a canned classifier reply and counts calls.
type classifierStub struct {
	reply string
	calls atomic.Int64
}

func (p *classifierStub) Name() string        { return "stub" }
func (p *classifierStub) Models() []llm.Model { return []llm.Model{{ID: "cheap-model"}} }
func (p *classifierStub) SupportsTools() bool { return false }

func (p *classifierStub) Complete(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.calls.Add(1)
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: p.reply}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func enabledConfig() *models.RoutingConfig {
	return &models.RoutingConfig{
		Enabled:         true,
		ClassifierModel: "cheap-model",
		DefaultTier:     models.TierBalanced,
		TierMappings: map[models.ComplexityTier]string{
			models.TierFast:     "m-fast",
			models.TierBalanced: "m-bal",
			models.TierPowerful: "m-big",
		},
	}
}

func TestRouteDisabledReturnsNilWithoutClassifying(t *testing.T) {
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.9}`}
	r := New(&staticRepo{cfg: &models.RoutingConfig{Enabled: false}}, llm.NewRegistry(stub))

	decision, err := r.Route(context.Background(), "hi", 0, nil, 1)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision != nil {
		t.Fatalf("expected nil decision when disabled, got %+v", decision)
	}
	if stub.calls.Load() != 0 {
		t.Fatal("classifier must not be called when routing is disabled")
	}
}

func TestRouteEmptyMappingsReturnsNil(t *testing.T) {
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.9}`}
	cfg := &models.RoutingConfig{Enabled: true, TierMappings: map[models.ComplexityTier]string{}}
	r := New(&staticRepo{cfg: cfg}, llm.NewRegistry(stub))

	decision, _ := r.Route(context.Background(), "hi", 0, nil, 1)
	if decision != nil || stub.calls.Load() != 0 {
		t.Fatalf("expected nil decision and no classifier call, got %+v / %d calls", decision, stub.calls.Load())
	}
}

func TestRouteHighConfidenceUsesClassifiedTier(t *testing.T) {
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.9,"reasoning":"short greeting"}`}
	r := New(&staticRepo{cfg: enabledConfig()}, llm.NewRegistry(stub))

	decision, err := r.Route(context.Background(), "hello", 3, []string{"a", "b", "c"}, 1)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision == nil || decision.Tier != models.TierFast || decision.Model != "m-fast" {
		t.Fatalf("expected fast tier decision, got %+v", decision)
	}
	if decision.Confidence != 0.9 {
		t.Errorf("confidence not propagated: %+v", decision)
	}
}

func TestRouteLowConfidenceFallsBackToDefaultTier(t *testing.T) {
	stub := &classifierStub{reply: `{"tier":"powerful","confidence":0.3}`}
	r := New(&staticRepo{cfg: enabledConfig()}, llm.NewRegistry(stub))

	decision, _ := r.Route(context.Background(), "hm", 0, nil, 1)
	if decision == nil || decision.Tier != models.TierBalanced || decision.Model != "m-bal" {
		t.Fatalf("low confidence must use default tier, got %+v", decision)
	}
}

func TestRouteGarbageClassifierReplyUsesDefault(t *testing.T) {
	stub := &classifierStub{reply: `certainly! the tier is fast`}
	r := New(&staticRepo{cfg: enabledConfig()}, llm.NewRegistry(stub))

	decision, _ := r.Route(context.Background(), "hi", 0, nil, 1)
	if decision == nil || decision.Tier != models.TierBalanced {
		t.Fatalf("unparseable reply must fall back to default, got %+v", decision)
	}
	if decision.Confidence != 0.0 {
		t.Errorf("parse failure should report zero confidence: %+v", decision)
	}
}

func TestRouteMissingTierMappingFallsBack(t *testing.T) {
	cfg := enabledConfig()
	delete(cfg.TierMappings, models.TierFast)
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.95}`}
	r := New(&staticRepo{cfg: cfg}, llm.NewRegistry(stub))

	decision, _ := r.Route(context.Background(), "hi", 0, nil, 1)
	if decision == nil || decision.Tier != models.TierBalanced || decision.Model != "m-bal" {
		t.Fatalf("missing mapping must fall back to default tier, got %+v", decision)
	}
}

func TestConfigServesStaleCacheOnRepoError(t *testing.T) {
	repo := &staticRepo{cfg: enabledConfig()}
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.9}`}
	r := New(repo, llm.NewRegistry(stub))

	if !r.IsEnabled(context.Background()) {
		t.Fatal("expected enabled")
	}
	// Age the cached entry past its TTL so the next read goes to the repo.
	r.cachedAt = time.Now().Add(-2 * cacheTTL)
	// Repo starts failing; the cached config keeps routing alive.
	repo.cfg, repo.err = nil, errors.New("db down")
	if !r.IsEnabled(context.Background()) {
		t.Fatal("stale cache should be served on repo error")
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	repo := &staticRepo{cfg: enabledConfig()}
	stub := &classifierStub{reply: `{"tier":"fast","confidence":0.9}`}
	r := New(repo, llm.NewRegistry(stub))

	if !r.IsEnabled(context.Background()) {
		t.Fatal("expected enabled")
	}
	repo.cfg = &models.RoutingConfig{Enabled: false}
	r.Invalidate()
	if r.IsEnabled(context.Background()) {
		t.Fatal("invalidate must force a reload")
	}
}
