package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AutomationStatus enumerates the lifecycle states of an automation.
type AutomationStatus string

const (
	AutomationDraft    AutomationStatus = "draft"
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationArchived AutomationStatus = "archived"
)

// StepType discriminates the kinds of automation steps.
type StepType string

const (
	StepSendMessage     StepType = "send_message"
	StepWait            StepType = "wait"
	StepConditionBranch StepType = "condition_branch"
	StepSplitTestSend   StepType = "split_test_send"
	StepWebhook         StepType = "webhook"
)

// Trigger describes the subscriber event that starts an automation.
type Trigger struct {
	EventType string     `json:"event_type"`
	Filter    *Predicate `json:"filter,omitempty"`
}

// Predicate is a single field comparison evaluated against subscriber state.
type Predicate struct {
	Field string `json:"field"`
	Op    string `json:"op"` // eq, ne, gt, lt, gte, lte, contains, exists
	Value string `json:"value,omitempty"`
}

// Matches evaluates the predicate against a subscriber attribute map.
// Relational operators compare numerically and fail closed when either
// side does not parse.
func (p Predicate) Matches(attrs map[string]string) bool {
	v, ok := attrs[p.Field]
	if p.Op == "exists" {
		return ok
	}
	if !ok {
		return false
	}
	switch p.Op {
	case "eq":
		return v == p.Value
	case "ne":
		return v != p.Value
	case "contains":
		return strings.Contains(v, p.Value)
	case "gt", "lt", "gte", "lte":
		a, errA := strconv.ParseFloat(v, 64)
		b, errB := strconv.ParseFloat(p.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		switch p.Op {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	}
	return false
}

// Branch pairs a predicate with the step it routes to.
type Branch struct {
	When Predicate `json:"when"`
	Next string    `json:"next"`
}

// Step is one node of an automation's step graph. Exactly one of the
// config structs is set, matching Type.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`
	// Next is the step executed after this one. Empty means the
	// execution completes. Condition steps route via Condition.Branches
	// instead.
	Next string `json:"next,omitempty"`

	Send      *SendConfig      `json:"send,omitempty"`
	Wait      *WaitConfig      `json:"wait,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Split     *SplitConfig     `json:"split,omitempty"`
	Webhook   *WebhookConfig   `json:"webhook,omitempty"`
}

// SendConfig configures a send_message step.
type SendConfig struct {
	Subject   string `json:"subject"`
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	Body      string `json:"body"`
}

// WaitConfig configures a wait step.
type WaitConfig struct {
	Duration time.Duration `json:"duration"`
}

// ConditionConfig configures a condition_branch step.
type ConditionConfig struct {
	Branches []Branch `json:"branches"`
	// Default is taken when no branch matches. Empty default with no
	// matching branch completes the execution.
	Default string `json:"default,omitempty"`
}

// SplitConfig configures a split_test_send step.
type SplitConfig struct {
	CampaignID uuid.UUID `json:"campaign_id"`
}

// WebhookConfig configures a webhook step.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload string            `json:"payload,omitempty"`
}

// Automation is a reusable, trigger-activated multi-step campaign
// definition. Mutated only through lifecycle operations, never by a
// running execution.
type Automation struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	Name        string           `json:"name" db:"name"`
	Trigger     Trigger          `json:"trigger" db:"trigger"`
	Steps       []Step           `json:"steps" db:"steps"`
	EntryStepID string           `json:"entry_step_id" db:"entry_step_id"`
	Status      AutomationStatus `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty" db:"activated_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// StepByID returns the step with the given id, or nil.
func (a *Automation) StepByID(id string) *Step {
	for i := range a.Steps {
		if a.Steps[i].ID == id {
			return &a.Steps[i]
		}
	}
	return nil
}

// ValidateGraph checks that the step graph has exactly one entry step and
// no dangling next/branch targets. Checked at create/activate time, not
// on every advance.
func (a *Automation) ValidateGraph() error {
	if len(a.Steps) == 0 {
		return fmt.Errorf("automation has no steps")
	}
	ids := make(map[string]bool, len(a.Steps))
	for _, s := range a.Steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	if a.EntryStepID == "" || !ids[a.EntryStepID] {
		return fmt.Errorf("entry step %q not found", a.EntryStepID)
	}
	// Every step except the entry must be referenced by some other step,
	// and every reference must resolve.
	referenced := map[string]bool{a.EntryStepID: true}
	for _, s := range a.Steps {
		targets := []string{}
		if s.Next != "" {
			targets = append(targets, s.Next)
		}
		if s.Condition != nil {
			for _, b := range s.Condition.Branches {
				if b.Next != "" {
					targets = append(targets, b.Next)
				}
			}
			if s.Condition.Default != "" {
				targets = append(targets, s.Condition.Default)
			}
		}
		for _, t := range targets {
			if !ids[t] {
				return fmt.Errorf("step %q references unknown step %q", s.ID, t)
			}
			referenced[t] = true
		}
	}
	for _, s := range a.Steps {
		if !referenced[s.ID] {
			return fmt.Errorf("step %q is unreachable (multiple entry points)", s.ID)
		}
	}
	return nil
}

// ExecutionStatus enumerates the lifecycle of a single subscriber's
// traversal of an automation.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepOutcome is one append-only entry in an execution's audit log.
type StepOutcome struct {
	StepID     string    `json:"step_id"`
	Outcome    string    `json:"outcome"` // sent, waited, branched, webhook_ok, error, skipped
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Execution is one subscriber's in-progress or completed traversal of an
// automation. Destroyed only by retention cleanup, never by completion.
type Execution struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	AutomationID  uuid.UUID       `json:"automation_id" db:"automation_id"`
	SubscriberID  uuid.UUID       `json:"subscriber_id" db:"subscriber_id"`
	CurrentStepID string          `json:"current_step_id" db:"current_step_id"`
	Status        ExecutionStatus `json:"status" db:"status"`
	ResumeAt      *time.Time      `json:"resume_at,omitempty" db:"resume_at"`
	Log           []StepOutcome   `json:"log" db:"log"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// SubscriberEvent is a trigger-source notification.
type SubscriberEvent struct {
	SubscriberID uuid.UUID         `json:"subscriber_id"`
	EventType    string            `json:"event_type"`
	Payload      map[string]string `json:"payload,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
