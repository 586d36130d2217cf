// Package tools implements the tool subsystem: catalog-derived HTTP
// tools, the SSO-aware auth resolver, the sandboxed custom-tool executor,
// and the always-available built-ins.
package tools

import (
	"context"
	"encoding/json"
)

// Result is what a Tool.Execute call returns: a content string plus an
// error flag, shaped so the executor can feed it straight back to the LLM
// as a tool-role message.
type Result struct {
	Content string
	IsError bool
}

// Tool is one callable unit offered to the LLM in a turn's tool manifest.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// ErrorResult builds a Result carrying a JSON error envelope.
func ErrorResult(message string) *Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

// JSONResult builds a Result carrying an indented JSON payload.
func JSONResult(payload any) *Result {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ErrorResult("encode result: " + err.Error())
	}
	return &Result{Content: string(encoded)}
}

// Manifest describes one tool's presence in a prompt, independent of its
// executable implementation.
type Manifest struct {
	Name        string
	Description string
	Schema      json.RawMessage
	RiskLevel   string
	SystemID    string
}
