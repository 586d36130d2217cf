package models

import "time"

// Workflow is a durable, resumable state machine.
type Workflow struct {
	ID             string
	UserID         string
	Type           string
	Status         WorkflowStatus
	CurrentStep    int
	State          map[string]any
	Result         map[string]any
	Error          string
	NextCheckAt    *time.Time
	ConversationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// WorkflowStep is one ordered unit of work inside a Workflow.
type WorkflowStep struct {
	ID         string
	WorkflowID string
	StepIndex  int
	StepType   StepType
	Status     StepStatus
	Input      map[string]any
	Output     map[string]any
	Error      string
}

// StepDependency records an edge in the (validated-acyclic) step graph.
type StepDependency struct {
	WorkflowID   string
	SourceStepID string
	TargetStepID string
	Condition    string
}

// WebhookRegistration is the only inbound access path to resume a workflow
// via an external callback.
type WebhookRegistration struct {
	ID           string
	WorkflowID   string
	StepIndex    int
	WebhookToken string
	Status       WebhookStatus
	ExpiresAt    *time.Time
}

// Trigger resumes a waiting or pending workflow.
type Trigger struct {
	Type      TriggerType
	StepIndex int
	Payload   map[string]any
}

// WorkflowStatusView is the read-model returned by getStatus.
type WorkflowStatusView struct {
	Status      WorkflowStatus
	CurrentStep int
	TotalSteps  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Error       string
}
