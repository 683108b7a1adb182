// Package automation implements the workflow engine: automation
// lifecycle, trigger handling, and the queue-driven step loop that
// advances executions one step at a time.
package automation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/abtest"
	"github.com/ignite/automation-engine/internal/batch"
	"github.com/ignite/automation-engine/internal/delivery"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/metrics"
	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/pkg/retry"
)

// SubscriberSource resolves subscriber state for trigger matching and
// condition evaluation.
type SubscriberSource interface {
	// Attributes returns the subscriber's state, including "email".
	Attributes(ctx context.Context, id uuid.UUID) (map[string]string, error)
	// MatchingTrigger lists subscribers that currently match the trigger.
	MatchingTrigger(ctx context.Context, trigger domain.Trigger) ([]uuid.UUID, error)
}

// Queue is the subset of the queue collaborator the engine drives.
type Queue interface {
	Enqueue(ctx context.Context, executionID uuid.UUID, notBefore time.Time) error
	Remove(ctx context.Context, executionID uuid.UUID) error
}

// AlertGate reports whether a critical alert is open. The engine defers
// advancement while one is.
type AlertGate interface {
	HasActiveCritical() bool
}

// LockFactory builds a distributed lock for the given key.
type LockFactory func(key string) distlock.DistLock

// Engine drives automations through their lifecycle and advances
// executions step by step.
type Engine struct {
	store    Store
	subs     SubscriberSource
	sender   delivery.Sender
	tests    *abtest.Engine
	queue    Queue
	recorder *metrics.Recorder
	gate     AlertGate
	locks    LockFactory

	httpClient    *http.Client
	sendPolicy    retry.Policy
	webhookPolicy retry.Policy
	concurrency   int
	now           func() time.Time

	regMu      sync.Mutex
	regCancels map[uuid.UUID]context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAlertGate wires the metrics collector's critical-alert check.
func WithAlertGate(g AlertGate) EngineOption {
	return func(e *Engine) { e.gate = g }
}

// WithLockFactory enables distributed locking for registration fan-out.
func WithLockFactory(f LockFactory) EngineOption {
	return func(e *Engine) { e.locks = f }
}

// WithRecorder wires the business metrics recorder.
func WithRecorder(r *metrics.Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithHTTPClient overrides the webhook client.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) { e.httpClient = c }
}

// WithWebhookPolicy overrides the webhook retry policy.
func WithWebhookPolicy(p retry.Policy) EngineOption {
	return func(e *Engine) { e.webhookPolicy = p }
}

// WithSendPolicy overrides the message send retry policy.
func WithSendPolicy(p retry.Policy) EngineOption {
	return func(e *Engine) { e.sendPolicy = p }
}

// WithRegistrationConcurrency bounds the activation fan-out.
func WithRegistrationConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine over its collaborators.
func NewEngine(store Store, subs SubscriberSource, sender delivery.Sender, tests *abtest.Engine, q Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		subs:          subs,
		sender:        sender,
		tests:         tests,
		queue:         q,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		sendPolicy:    retry.DefaultPolicy(),
		webhookPolicy: retry.DefaultPolicy(),
		concurrency:   10,
		now:           time.Now,
		regCancels:    make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates the step graph and persists the automation in draft.
// Graph validity is checked here and at activation, never on advance.
func (e *Engine) Create(ctx context.Context, a *domain.Automation) (*domain.Automation, error) {
	if err := a.ValidateGraph(); err != nil {
		return nil, fmt.Errorf("invalid step graph: %w", err)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = domain.AutomationDraft
	a.CreatedAt = e.now()
	a.UpdatedAt = a.CreatedAt
	if err := e.store.CreateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	logger.Info("automation created", "automation_id", a.ID, "name", a.Name, "steps", len(a.Steps))
	return a, nil
}

// Get returns an automation by ID.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	return e.store.GetAutomation(ctx, id)
}

// ListExecutions returns an automation's executions, optionally
// filtered by status.
func (e *Engine) ListExecutions(ctx context.Context, id uuid.UUID, statuses ...domain.ExecutionStatus) ([]domain.Execution, error) {
	return e.store.ListExecutions(ctx, id, statuses...)
}

// Activate transitions draft or paused to active. With registerExisting
// true, one execution is created per subscriber already matching the
// trigger, fanned out through the batch runner. Executions left open by
// a pause are re-enqueued either way.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID, registerExisting bool) error {
	a, err := e.store.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	switch a.Status {
	case domain.AutomationArchived:
		return errkind.New(errkind.InvalidStateTransition, "automation %s is archived", id)
	case domain.AutomationActive:
		return errkind.New(errkind.InvalidStateTransition, "automation %s is already active", id)
	}
	if err := a.ValidateGraph(); err != nil {
		return fmt.Errorf("invalid step graph: %w", err)
	}

	wasPaused := a.Status == domain.AutomationPaused
	now := e.now()
	a.Status = domain.AutomationActive
	if a.ActivatedAt == nil {
		a.ActivatedAt = &now
	}
	a.UpdatedAt = now
	if err := e.store.UpdateAutomation(ctx, a); err != nil {
		return err
	}
	logger.Info("automation activated", "automation_id", id, "register_existing", registerExisting)

	if wasPaused {
		if err := e.requeueOpen(ctx, id); err != nil {
			return err
		}
	}
	if registerExisting {
		return e.registerExisting(ctx, a)
	}
	return nil
}

// requeueOpen puts executions left open by a pause back on the queue.
func (e *Engine) requeueOpen(ctx context.Context, automationID uuid.UUID) error {
	open, err := e.store.ListExecutions(ctx, automationID,
		domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionWaiting)
	if err != nil {
		return err
	}
	for _, ex := range open {
		at := e.now()
		if ex.Status == domain.ExecutionWaiting && ex.ResumeAt != nil {
			at = *ex.ResumeAt
		}
		if err := e.queue.Enqueue(ctx, ex.ID, at); err != nil {
			return err
		}
	}
	return nil
}

// registerExisting fans out execution creation across subscribers who
// already match the trigger. Cancelled cooperatively when the
// automation is paused mid-registration.
func (e *Engine) registerExisting(ctx context.Context, a *domain.Automation) error {
	if e.locks != nil {
		lock := e.locks("automation:register:" + a.ID.String())
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("registration lock: %w", err)
		}
		if !ok {
			return errkind.New(errkind.InvalidStateTransition, "registration already running for %s", a.ID)
		}
		defer lock.Release(context.Background())
	}

	subscribers, err := e.subs.MatchingTrigger(ctx, a.Trigger)
	if err != nil {
		return fmt.Errorf("matching subscribers: %w", err)
	}
	if len(subscribers) == 0 {
		return nil
	}

	regCtx, cancel := context.WithCancel(ctx)
	e.regMu.Lock()
	e.regCancels[a.ID] = cancel
	e.regMu.Unlock()
	defer func() {
		cancel()
		e.regMu.Lock()
		delete(e.regCancels, a.ID)
		e.regMu.Unlock()
	}()

	items := make([]string, len(subscribers))
	for i, s := range subscribers {
		items[i] = s.String()
	}

	runner := batch.NewRunner(batch.WithConcurrency(e.concurrency), batch.WithPolicy(e.sendPolicy))
	result := runner.Process(regCtx, items, func(ctx context.Context, item string) error {
		subID, err := uuid.Parse(item)
		if err != nil {
			return errkind.Wrap(errkind.FileFormat, err)
		}
		_, err = e.register(ctx, a, subID)
		return err
	})

	if e.recorder != nil {
		e.recorder.RecordsProcessed(result.SuccessCount)
		for _, f := range result.Failed {
			e.recorder.Error(f.Kind)
		}
	}
	logger.Info("registration fan-out finished",
		"automation_id", a.ID, "registered", result.SuccessCount, "failed", result.FailureCount)
	return nil
}

// register creates an execution for the pair unless one is already
// open. Returns the created execution, or nil if skipped.
func (e *Engine) register(ctx context.Context, a *domain.Automation, subscriberID uuid.UUID) (*domain.Execution, error) {
	open, err := e.store.FindNonTerminal(ctx, a.ID, subscriberID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, nil
	}
	now := e.now()
	ex := &domain.Execution{
		ID:            uuid.New(),
		AutomationID:  a.ID,
		SubscriberID:  subscriberID,
		CurrentStepID: a.EntryStepID,
		Status:        domain.ExecutionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, ex.ID, now); err != nil {
		return nil, err
	}
	return ex, nil
}

// Pause transitions active to paused. With cancelPending true every
// non-terminal execution is cancelled and dropped from the queue;
// otherwise open executions keep their state and resume on
// re-activation. An in-flight registration fan-out is stopped either
// way: items already started finish, no new ones are dispatched.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID, cancelPending bool) error {
	a, err := e.store.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != domain.AutomationActive {
		return errkind.New(errkind.InvalidStateTransition, "cannot pause automation in %s status", a.Status)
	}

	e.regMu.Lock()
	if cancel, ok := e.regCancels[id]; ok {
		cancel()
	}
	e.regMu.Unlock()

	a.Status = domain.AutomationPaused
	a.UpdatedAt = e.now()
	if err := e.store.UpdateAutomation(ctx, a); err != nil {
		return err
	}

	if !cancelPending {
		logger.Info("automation paused", "automation_id", id, "cancel_pending", false)
		return nil
	}

	open, err := e.store.ListExecutions(ctx, id,
		domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionWaiting)
	if err != nil {
		return err
	}
	now := e.now()
	for i := range open {
		ex := &open[i]
		ex.Status = domain.ExecutionCancelled
		ex.ResumeAt = nil
		ex.UpdatedAt = now
		ex.CompletedAt = &now
		ex.Log = append(ex.Log, domain.StepOutcome{
			StepID:     ex.CurrentStepID,
			Outcome:    "cancelled",
			Detail:     "automation paused",
			OccurredAt: now,
		})
		// Executions that reached a terminal state since the listing
		// keep their outcome; cancel only what is still open.
		if _, err := e.store.UpdateExecutionIfOpen(ctx, ex); err != nil {
			return err
		}
		if err := e.queue.Remove(ctx, ex.ID); err != nil {
			return err
		}
	}
	logger.Info("automation paused", "automation_id", id, "cancel_pending", true, "cancelled", len(open))
	return nil
}

// Archive transitions the automation to its terminal state.
func (e *Engine) Archive(ctx context.Context, id uuid.UUID) error {
	a, err := e.store.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == domain.AutomationActive {
		return errkind.New(errkind.InvalidStateTransition, "pause automation %s before archiving", id)
	}
	a.Status = domain.AutomationArchived
	a.UpdatedAt = e.now()
	return e.store.UpdateAutomation(ctx, a)
}

// HandleEvent evaluates a subscriber event against every active
// automation's trigger and creates executions for the matches. Returns
// the number of executions created. At most one open execution per
// (automation, subscriber) pair is ever created.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.SubscriberEvent) (int, error) {
	active, err := e.store.ListAutomations(ctx, domain.AutomationActive)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range active {
		a := &active[i]
		if a.Trigger.EventType != ev.EventType {
			continue
		}
		if a.Trigger.Filter != nil {
			attrs, err := e.subs.Attributes(ctx, ev.SubscriberID)
			if err != nil {
				return created, err
			}
			merged := make(map[string]string, len(attrs)+len(ev.Payload))
			for k, v := range attrs {
				merged[k] = v
			}
			for k, v := range ev.Payload {
				merged[k] = v
			}
			if !a.Trigger.Filter.Matches(merged) {
				continue
			}
		}
		ex, err := e.register(ctx, a, ev.SubscriberID)
		if err != nil {
			return created, err
		}
		if ex != nil {
			created++
		}
	}
	return created, nil
}

// Advance runs one step of an execution and returns when the execution
// next needs the queue: a future time for wait steps, an immediate time
// while more steps remain, or nil when the execution reached a terminal
// state. Calling it on a waiting execution before its resume time is a
// no-op. The caller must hold the execution's lease.
func (e *Engine) Advance(ctx context.Context, executionID uuid.UUID) (*time.Time, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.IsTerminal() {
		return nil, nil
	}

	now := e.now()
	if ex.Status == domain.ExecutionWaiting && ex.ResumeAt != nil && now.Before(*ex.ResumeAt) {
		resumeAt := *ex.ResumeAt
		return &resumeAt, nil
	}

	if e.gate != nil && e.gate.HasActiveCritical() {
		deferred := now.Add(time.Minute)
		logger.Warn("advance deferred by critical alert", "execution_id", executionID)
		return &deferred, nil
	}

	a, err := e.store.GetAutomation(ctx, ex.AutomationID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AutomationActive {
		// Paused mid-flight: keep state, re-activation requeues.
		return nil, nil
	}

	// A wait step with no successor parks the execution on an empty
	// step; the elapsed wait completes it.
	if ex.CurrentStepID == "" {
		completedAt := now
		ex.Status = domain.ExecutionCompleted
		ex.ResumeAt = nil
		ex.UpdatedAt = now
		ex.CompletedAt = &completedAt
		_, err := e.store.UpdateExecutionIfOpen(ctx, ex)
		return nil, err
	}

	step := a.StepByID(ex.CurrentStepID)
	if step == nil {
		return nil, e.fail(ctx, ex, fmt.Errorf("unknown step %q", ex.CurrentStepID))
	}

	ex.Status = domain.ExecutionRunning
	next, outcome, stepErr := e.runStep(ctx, a, ex, step)
	if stepErr != nil {
		if e.recorder != nil {
			e.recorder.Error(errkind.Classify(stepErr))
		}
		return nil, e.fail(ctx, ex, stepErr)
	}

	outcome.StepID = step.ID
	outcome.OccurredAt = now
	ex.Log = append(ex.Log, outcome)
	ex.UpdatedAt = now
	if e.recorder != nil {
		e.recorder.ExecutionAdvanced()
	}

	// Wait steps are a suspension point: the worker is released, the
	// execution is parked on its next step, and the queue reschedules
	// it for the resume time.
	if step.Type == domain.StepWait {
		resumeAt := now.Add(step.Wait.Duration)
		ex.Status = domain.ExecutionWaiting
		ex.ResumeAt = &resumeAt
		ex.CurrentStepID = step.Next
		ok, err := e.store.UpdateExecutionIfOpen(ctx, ex)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &resumeAt, nil
	}

	ex.ResumeAt = nil
	if next == "" {
		completedAt := now
		ex.Status = domain.ExecutionCompleted
		ex.CompletedAt = &completedAt
		if _, err := e.store.UpdateExecutionIfOpen(ctx, ex); err != nil {
			return nil, err
		}
		logger.Debug("execution completed", "execution_id", ex.ID, "steps", len(ex.Log))
		return nil, nil
	}

	ex.CurrentStepID = next
	ok, err := e.store.UpdateExecutionIfOpen(ctx, ex)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled out from under the worker; drop the queue entry.
		return nil, nil
	}
	return &now, nil
}

// runStep dispatches on the step kind and returns the next step ID and
// the log entry to append. The switch is exhaustive over step types.
func (e *Engine) runStep(ctx context.Context, a *domain.Automation, ex *domain.Execution, step *domain.Step) (string, domain.StepOutcome, error) {
	switch step.Type {
	case domain.StepSendMessage:
		if err := e.sendDirect(ctx, ex, step); err != nil {
			return "", domain.StepOutcome{}, err
		}
		return step.Next, domain.StepOutcome{Outcome: "sent", Detail: step.Send.Subject}, nil

	case domain.StepSplitTestSend:
		label, err := e.sendSplit(ctx, ex, step)
		if err != nil {
			return "", domain.StepOutcome{}, err
		}
		return step.Next, domain.StepOutcome{Outcome: "sent", Detail: "variant " + label}, nil

	case domain.StepWait:
		return step.Next, domain.StepOutcome{Outcome: "waited", Detail: step.Wait.Duration.String()}, nil

	case domain.StepConditionBranch:
		next, detail, err := e.branch(ctx, ex, step)
		if err != nil {
			return "", domain.StepOutcome{}, err
		}
		return next, domain.StepOutcome{Outcome: "branched", Detail: detail}, nil

	case domain.StepWebhook:
		if err := e.callWebhook(ctx, step.Webhook); err != nil {
			return "", domain.StepOutcome{}, err
		}
		return step.Next, domain.StepOutcome{Outcome: "webhook_ok", Detail: logger.RedactURL(step.Webhook.URL)}, nil

	default:
		return "", domain.StepOutcome{}, errkind.New(errkind.InvalidStateTransition, "unknown step type %q", step.Type)
	}
}

func (e *Engine) sendDirect(ctx context.Context, ex *domain.Execution, step *domain.Step) error {
	attrs, err := e.subs.Attributes(ctx, ex.SubscriberID)
	if err != nil {
		return err
	}
	msg := delivery.Message{
		SubscriberID: ex.SubscriberID,
		Email:        attrs["email"],
		FromName:     step.Send.FromName,
		FromEmail:    step.Send.FromEmail,
		Subject:      step.Send.Subject,
		HTMLBody:     step.Send.Body,
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		_, sendErr := e.sender.Send(ctx, msg)
		return sendErr
	}, e.sendPolicy)
	if err != nil {
		return err
	}
	if e.recorder != nil {
		e.recorder.MessageSent()
	}
	return nil
}

// sendSplit allocates the subscriber into a variant and sends that
// variant's content. Engagement attribution flows back through the
// delivery event stream, not from here.
func (e *Engine) sendSplit(ctx context.Context, ex *domain.Execution, step *domain.Step) (string, error) {
	variant, err := e.tests.Allocate(ctx, ex.SubscriberID, step.Split.CampaignID)
	if err != nil {
		return "", err
	}
	attrs, err := e.subs.Attributes(ctx, ex.SubscriberID)
	if err != nil {
		return "", err
	}
	variantID := variant.ID
	msg := delivery.Message{
		SubscriberID: ex.SubscriberID,
		Email:        attrs["email"],
		FromName:     variant.FromName,
		Subject:      variant.Subject,
		HTMLBody:     variant.Body,
		VariantID:    &variantID,
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		_, sendErr := e.sender.Send(ctx, msg)
		return sendErr
	}, e.sendPolicy)
	if err != nil {
		return "", err
	}
	if e.recorder != nil {
		e.recorder.MessageSent()
	}
	return variant.Label, nil
}

// branch selects the first matching branch's target. No match and no
// default completes the execution.
func (e *Engine) branch(ctx context.Context, ex *domain.Execution, step *domain.Step) (next, detail string, err error) {
	attrs, err := e.subs.Attributes(ctx, ex.SubscriberID)
	if err != nil {
		return "", "", err
	}
	for _, b := range step.Condition.Branches {
		if b.When.Matches(attrs) {
			return b.Next, fmt.Sprintf("%s %s %s -> %s", b.When.Field, b.When.Op, b.When.Value, b.Next), nil
		}
	}
	if step.Condition.Default != "" {
		return step.Condition.Default, "default -> " + step.Condition.Default, nil
	}
	return "", "no branch matched", nil
}

// callWebhook posts the configured payload through the retry executor.
func (e *Engine) callWebhook(ctx context.Context, cfg *domain.WebhookConfig) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		method := cfg.Method
		if method == "" {
			method = http.MethodPost
		}
		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, strings.NewReader(cfg.Payload))
		if err != nil {
			return errkind.Wrap(errkind.FileFormat, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return errkind.Wrap(errkind.Network, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.New(errkind.ValidationRateLimited, "webhook %s returned 429", logger.RedactURL(cfg.URL))
		case resp.StatusCode == http.StatusUnauthorized:
			return errkind.New(errkind.AuthenticationFailed, "webhook %s returned 401", logger.RedactURL(cfg.URL))
		case resp.StatusCode == http.StatusForbidden:
			return errkind.New(errkind.PermissionDenied, "webhook %s returned 403", logger.RedactURL(cfg.URL))
		case resp.StatusCode >= 500:
			return errkind.New(errkind.Network, "webhook %s returned %d", logger.RedactURL(cfg.URL), resp.StatusCode)
		default:
			return errkind.New(errkind.Unknown, "webhook %s returned %d", logger.RedactURL(cfg.URL), resp.StatusCode)
		}
	}, e.webhookPolicy)
}

// fail records the error in the execution log and marks it failed.
// Failures are isolated to the one execution; siblings keep running.
func (e *Engine) fail(ctx context.Context, ex *domain.Execution, cause error) error {
	now := e.now()
	ex.Status = domain.ExecutionFailed
	ex.ResumeAt = nil
	ex.UpdatedAt = now
	ex.CompletedAt = &now
	ex.Log = append(ex.Log, domain.StepOutcome{
		StepID:     ex.CurrentStepID,
		Outcome:    "error",
		Detail:     cause.Error(),
		OccurredAt: now,
	})
	ok, err := e.store.UpdateExecutionIfOpen(ctx, ex)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	logger.Error("execution failed", "execution_id", ex.ID, "step_id", ex.CurrentStepID, "error", cause)
	return nil
}
