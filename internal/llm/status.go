package llm

import (
	"context"
	"time"
)

// Status is the public shape returned by GET /api/llm/status.
type Status struct {
	Provider       string   `json:"provider"`
	Type           string   `json:"type"`
	ActiveModel    string   `json:"active_model"`
	LatencyMs      int64    `json:"latency_ms"`
	FallbackModels []string `json:"fallback_models"`
}

// ProbeStatus round-trips a minimal completion against the active model to
// measure latency. A failed probe
// still reports the configured provider/model with LatencyMs = -1 rather
// than erroring the endpoint, since this is a public unauthenticated route.
func ProbeStatus(ctx context.Context, reg *Registry, activeModel string) Status {
	p := reg.Resolve(activeModel)
	if p == nil {
		return Status{ActiveModel: activeModel, LatencyMs: -1}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	chunks, err := p.Complete(ctx, CompletionRequest{
		Model:     activeModel,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	latency := int64(-1)
	if err == nil {
		failed := false
		for chunk := range chunks {
			if chunk.Err != nil {
				failed = true
			}
		}
		if !failed {
			latency = time.Since(start).Milliseconds()
		}
	}

	return Status{
		Provider:       p.Name(),
		Type:           p.Name(),
		ActiveModel:    activeModel,
		LatencyMs:      latency,
		FallbackModels: reg.FallbackModels(activeModel),
	}
}
