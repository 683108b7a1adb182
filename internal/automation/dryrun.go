package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/delivery"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/retry"
)

// maxTestSteps bounds a test walk so a cyclic graph cannot spin.
const maxTestSteps = 100

// PlannedAction is one step of a test run: what the engine did, or
// would have done under dryRun.
type PlannedAction struct {
	StepID string          `json:"step_id"`
	Type   domain.StepType `json:"type"`
	Detail string          `json:"detail"`
}

// Test walks the full step chain for one subscriber. With dryRun true
// no side effects happen; intended actions are collected instead. Wait
// steps never sleep in either mode. Used for author-time verification
// and leaves no execution behind.
func (e *Engine) Test(ctx context.Context, id, subscriberID uuid.UUID, dryRun bool) ([]PlannedAction, error) {
	a, err := e.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.ValidateGraph(); err != nil {
		return nil, fmt.Errorf("invalid step graph: %w", err)
	}
	attrs, err := e.subs.Attributes(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	var actions []PlannedAction
	stepID := a.EntryStepID
	for i := 0; stepID != "" && i < maxTestSteps; i++ {
		step := a.StepByID(stepID)
		if step == nil {
			return actions, fmt.Errorf("unknown step %q", stepID)
		}
		action := PlannedAction{StepID: step.ID, Type: step.Type}
		next := step.Next

		switch step.Type {
		case domain.StepSendMessage:
			action.Detail = fmt.Sprintf("send %q to %s", step.Send.Subject, attrs["email"])
			if !dryRun {
				if err := e.testSend(ctx, subscriberID, attrs["email"], step.Send, nil); err != nil {
					return actions, err
				}
			}

		case domain.StepSplitTestSend:
			variant, err := e.tests.Allocate(ctx, subscriberID, step.Split.CampaignID)
			if err != nil {
				return actions, err
			}
			action.Detail = fmt.Sprintf("send variant %s %q", variant.Label, variant.Subject)
			if !dryRun {
				send := &domain.SendConfig{Subject: variant.Subject, FromName: variant.FromName, Body: variant.Body}
				variantID := variant.ID
				if err := e.testSend(ctx, subscriberID, attrs["email"], send, &variantID); err != nil {
					return actions, err
				}
			}

		case domain.StepWait:
			action.Detail = "wait " + step.Wait.Duration.String()

		case domain.StepConditionBranch:
			matched := false
			for _, b := range step.Condition.Branches {
				if b.When.Matches(attrs) {
					action.Detail = fmt.Sprintf("%s %s %s -> %s", b.When.Field, b.When.Op, b.When.Value, b.Next)
					next = b.Next
					matched = true
					break
				}
			}
			if !matched {
				if step.Condition.Default != "" {
					action.Detail = "default -> " + step.Condition.Default
					next = step.Condition.Default
				} else {
					action.Detail = "no branch matched, completes"
					next = ""
				}
			}

		case domain.StepWebhook:
			action.Detail = fmt.Sprintf("%s %s", step.Webhook.Method, step.Webhook.URL)
			if !dryRun {
				if err := e.callWebhook(ctx, step.Webhook); err != nil {
					return actions, err
				}
			}
		}

		actions = append(actions, action)
		stepID = next
	}
	if stepID != "" {
		return actions, fmt.Errorf("step chain exceeded %d steps, giving up", maxTestSteps)
	}
	return actions, nil
}

func (e *Engine) testSend(ctx context.Context, subscriberID uuid.UUID, email string, cfg *domain.SendConfig, variantID *uuid.UUID) error {
	msg := delivery.Message{
		SubscriberID: subscriberID,
		Email:        email,
		FromName:     cfg.FromName,
		FromEmail:    cfg.FromEmail,
		Subject:      cfg.Subject,
		HTMLBody:     cfg.Body,
		VariantID:    variantID,
	}
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return retry.Do(sendCtx, func(ctx context.Context) error {
		_, err := e.sender.Send(ctx, msg)
		return err
	}, e.sendPolicy)
}
