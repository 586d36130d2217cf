package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// newWebhookToken generates a high-entropy inbound webhook secret.
func newWebhookToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ToolInvoker executes one named tool with arguments, used by tool_call
// steps. The agent tool registry satisfies this via a thin adapter.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// AgentInvoker runs one prompt through the agent for agent_run steps and
// returns the final text.
type AgentInvoker interface {
	RunPrompt(ctx context.Context, userID, prompt string) (string, error)
}

// Notifier delivers a notify step's message, typically through the outbound
// callback dispatcher or a channel adapter.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any) error
}

// StepRunner advances a running workflow through its steps until it
// completes, fails, or parks on a wait_* step.
type StepRunner struct {
	tools  ToolInvoker
	agent  AgentInvoker
	notify Notifier
	log    *slog.Logger
}

// NewStepRunner wires a StepRunner. Any dependency may be nil; steps
// needing it then fail with a recorded error.
func NewStepRunner(tools ToolInvoker, agent AgentInvoker, notify Notifier, log *slog.Logger) *StepRunner {
	return &StepRunner{tools: tools, agent: agent, notify: notify, log: log}
}

// advanceLocked executes steps from current_step forward. The caller holds
// the workflow lock. Each step transition is checkpointed before the next
// step runs, so a crash resumes at the step that was in flight.
func (e *Engine) advanceLocked(ctx context.Context, w *models.Workflow, trigger models.Trigger) error {
	steps, err := e.workflows.ListSteps(ctx, w.ID)
	if err != nil {
		return err
	}

	for w.CurrentStep < len(steps) {
		step := steps[w.CurrentStep]

		parked, err := e.runner.runStep(ctx, e.workflows, w, step, trigger)
		if err != nil {
			now := time.Now().UTC()
			step.Status = models.StepFailed
			step.Error = err.Error()
			if uerr := e.workflows.UpdateStep(ctx, step); uerr != nil {
				e.log.Error("record step failure", "workflow", w.ID, "step", step.StepIndex, "error", uerr)
			}
			w.Status = models.WorkflowFailed
			w.Error = err.Error()
			w.CompletedAt = &now
			return e.workflows.UpdateState(ctx, w)
		}
		if parked {
			w.Status = models.WorkflowWaiting
			return e.workflows.UpdateState(ctx, w)
		}

		step.Status = models.StepCompleted
		if err := e.workflows.UpdateStep(ctx, step); err != nil {
			return err
		}
		w.CurrentStep++
		if err := e.workflows.UpdateState(ctx, w); err != nil {
			return err
		}
		// A trigger satisfies at most the step it arrived for.
		trigger = models.Trigger{Type: models.TriggerStepDone}
	}

	now := time.Now().UTC()
	w.Status = models.WorkflowCompleted
	w.CompletedAt = &now
	return e.workflows.UpdateState(ctx, w)
}

// runStep executes one step. Returns parked=true when the workflow must
// wait for an external trigger before this step can complete.
func (r *StepRunner) runStep(ctx context.Context, store workflowStore, w *models.Workflow, step *models.WorkflowStep, trigger models.Trigger) (parked bool, err error) {
	step.Status = models.StepRunning
	if uerr := store.UpdateStep(ctx, step); uerr != nil {
		return false, uerr
	}

	switch step.StepType {
	case models.StepToolCall:
		name, _ := step.Input["tool"].(string)
		if r.tools == nil || name == "" {
			return false, fmt.Errorf("tool_call step %d has no invocable tool", step.StepIndex)
		}
		args, _ := step.Input["args"].(map[string]any)
		out, err := r.tools.Invoke(ctx, name, args)
		if err != nil {
			return false, fmt.Errorf("tool %s: %w", name, err)
		}
		step.Output = out
		return false, nil

	case models.StepAgentRun:
		prompt, _ := step.Input["prompt"].(string)
		if r.agent == nil || prompt == "" {
			return false, fmt.Errorf("agent_run step %d has no prompt", step.StepIndex)
		}
		text, err := r.agent.RunPrompt(ctx, w.UserID, prompt)
		if err != nil {
			return false, err
		}
		step.Output = map[string]any{"text": text}
		return false, nil

	case models.StepNotify:
		if r.notify == nil {
			return false, fmt.Errorf("notify step %d has no notifier", step.StepIndex)
		}
		event, _ := step.Input["event"].(string)
		if event == "" {
			event = "workflow." + w.Type
		}
		data, _ := step.Input["data"].(map[string]any)
		if err := r.notify.Notify(ctx, w.UserID, event, data); err != nil {
			return false, err
		}
		return false, nil

	case models.StepWaitWebhook:
		if trigger.Type == models.TriggerWebhook && trigger.StepIndex == step.StepIndex {
			step.Output = trigger.Payload
			return false, nil
		}
		step.Status = models.StepWaiting
		if uerr := store.UpdateStep(ctx, step); uerr != nil {
			return false, uerr
		}
		return true, nil

	case models.StepWaitPoll:
		if trigger.Type == models.TriggerPoll || trigger.Type == models.TriggerTimer {
			step.Output = trigger.Payload
			w.NextCheckAt = nil
			return false, nil
		}
		step.Status = models.StepWaiting
		if uerr := store.UpdateStep(ctx, step); uerr != nil {
			return false, uerr
		}
		interval := pollInterval(step.Input)
		next := time.Now().UTC().Add(interval)
		w.NextCheckAt = &next
		return true, nil

	case models.StepWaitHuman:
		if trigger.Type == models.TriggerHuman && trigger.StepIndex == step.StepIndex {
			step.Output = trigger.Payload
			return false, nil
		}
		step.Status = models.StepWaiting
		if uerr := store.UpdateStep(ctx, step); uerr != nil {
			return false, uerr
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown step type %q", step.StepType)
	}
}

// defaultPollInterval is used when a wait_poll step does not name its own
// check interval.
const defaultPollInterval = 30 * time.Second

func pollInterval(input map[string]any) time.Duration {
	if secs, ok := input["poll_seconds"].(float64); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultPollInterval
}
