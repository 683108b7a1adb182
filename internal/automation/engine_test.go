package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/abtest"
	"github.com/ignite/automation-engine/internal/delivery"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
	"github.com/ignite/automation-engine/internal/pkg/retry"
)

// memQueue is an in-memory Queue double recording schedule state.
type memQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{entries: make(map[uuid.UUID]time.Time)}
}

func (q *memQueue) Enqueue(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[id] = notBefore
	return nil
}

func (q *memQueue) Remove(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// stubSubscribers serves fixed attributes for every subscriber.
type stubSubscribers struct {
	mu    sync.Mutex
	attrs map[uuid.UUID]map[string]string
	all   []uuid.UUID
}

func newStubSubscribers(n int) *stubSubscribers {
	s := &stubSubscribers{attrs: make(map[uuid.UUID]map[string]string)}
	for i := 0; i < n; i++ {
		id := uuid.New()
		s.all = append(s.all, id)
		s.attrs[id] = map[string]string{"email": id.String() + "@example.com"}
	}
	return s
}

func (s *stubSubscribers) set(id uuid.UUID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[id][key] = value
}

func (s *stubSubscribers) Attributes(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.attrs[id]
	if !ok {
		return nil, errkind.New(errkind.Unknown, "subscriber %s not found", id)
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp, nil
}

func (s *stubSubscribers) MatchingTrigger(ctx context.Context, trigger domain.Trigger) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trigger.Filter == nil {
		return append([]uuid.UUID(nil), s.all...), nil
	}
	var out []uuid.UUID
	for _, id := range s.all {
		if trigger.Filter.Matches(s.attrs[id]) {
			out = append(out, id)
		}
	}
	return out, nil
}

type fixture struct {
	engine *Engine
	store  *MemoryStore
	queue  *memQueue
	subs   *stubSubscribers
	sender *delivery.MemorySender
	clock  *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, subscribers int, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		queue:  newMemQueue(),
		subs:   newStubSubscribers(subscribers),
		sender: delivery.NewMemorySender(256),
		clock:  &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	tests := abtest.NewEngine(abtest.NewMemoryStore())
	opts = append([]EngineOption{WithClock(f.clock.Now)}, opts...)
	f.engine = NewEngine(f.store, f.subs, f.sender, tests, f.queue, opts...)
	return f
}

func simpleAutomation(eventType string) *domain.Automation {
	return &domain.Automation{
		Name:        "welcome",
		Trigger:     domain.Trigger{EventType: eventType},
		EntryStepID: "send-1",
		Steps: []domain.Step{
			{ID: "send-1", Type: domain.StepSendMessage, Next: "wait-1",
				Send: &domain.SendConfig{Subject: "Welcome", FromName: "Team", FromEmail: "team@example.com", Body: "<p>hi</p>"}},
			{ID: "wait-1", Type: domain.StepWait, Next: "send-2",
				Wait: &domain.WaitConfig{Duration: 24 * time.Hour}},
			{ID: "send-2", Type: domain.StepSendMessage,
				Send: &domain.SendConfig{Subject: "Day two", FromName: "Team", FromEmail: "team@example.com", Body: "<p>hello again</p>"}},
		},
	}
}

func (f *fixture) mustCreateActive(t *testing.T, a *domain.Automation, registerExisting bool) *domain.Automation {
	t.Helper()
	ctx := context.Background()
	created, err := f.engine.Create(ctx, a)
	require.NoError(t, err)
	require.NoError(t, f.engine.Activate(ctx, created.ID, registerExisting))
	return created
}

func TestCreateRejectsInvalidGraph(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, &domain.Automation{
		Name:        "dangling",
		EntryStepID: "a",
		Steps: []domain.Step{
			{ID: "a", Type: domain.StepSendMessage, Next: "missing",
				Send: &domain.SendConfig{Subject: "x"}},
		},
	})
	require.Error(t, err, "dangling next target must be rejected")

	_, err = f.engine.Create(ctx, &domain.Automation{Name: "empty", EntryStepID: "a"})
	require.Error(t, err)
}

func TestActivateArchivedFails(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, simpleAutomation("signup"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Archive(ctx, created.ID))

	err = f.engine.Activate(ctx, created.ID, false)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidStateTransition))
}

func TestActivateRegistersExistingSubscribers(t *testing.T) {
	f := newFixture(t, 8)
	f.mustCreateActive(t, simpleAutomation("signup"), true)

	assert.Equal(t, 8, f.queue.depth(), "one execution enqueued per matching subscriber")
}

func TestHandleEventIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	a := f.mustCreateActive(t, simpleAutomation("signup"), false)
	ctx := context.Background()
	sub := f.subs.all[0]

	ev := domain.SubscriberEvent{SubscriberID: sub, EventType: "signup", OccurredAt: f.clock.Now()}
	created, err := f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Firing the same trigger again while the execution is open must
	// not create a second one.
	created, err = f.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	open, err := f.store.FindNonTerminal(ctx, a.ID, sub)
	require.NoError(t, err)
	require.NotNil(t, open)
}

func TestHandleEventRespectsFilter(t *testing.T) {
	f := newFixture(t, 2)
	a := simpleAutomation("purchase")
	a.Trigger.Filter = &domain.Predicate{Field: "plan", Op: "eq", Value: "pro"}
	f.mustCreateActive(t, a, false)
	ctx := context.Background()

	f.subs.set(f.subs.all[0], "plan", "pro")
	f.subs.set(f.subs.all[1], "plan", "free")

	for _, sub := range f.subs.all {
		_, err := f.engine.HandleEvent(ctx, domain.SubscriberEvent{SubscriberID: sub, EventType: "purchase"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.queue.depth(), "only the matching subscriber starts an execution")
}

// A 24 hour wait step sets the resume time to now+24h and parks the
// execution; advancing before that time changes nothing.
func TestWaitStepSchedulesResume(t *testing.T) {
	f := newFixture(t, 1)
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	execID := execs[0].ID

	// Step 1: send.
	next, err := f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Len(t, f.sender.Sent(), 1)

	// Step 2: the wait parks the execution for 24 hours.
	start := f.clock.Now()
	next, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, start.Add(24*time.Hour), *next)

	ex, err := f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaiting, ex.Status)
	require.NotNil(t, ex.ResumeAt)
	assert.Equal(t, start.Add(24*time.Hour), *ex.ResumeAt)

	// Early advance is a no-op.
	f.clock.Advance(time.Hour)
	logLen := len(ex.Log)
	next, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, start.Add(24*time.Hour), *next)
	ex, err = f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaiting, ex.Status)
	assert.Len(t, ex.Log, logLen, "early advance must not touch the log")
	assert.Len(t, f.sender.Sent(), 1)

	// Due: the second send runs and the execution completes.
	f.clock.Advance(24 * time.Hour)
	next, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	assert.Nil(t, next)
	ex, err = f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, ex.Status)
	assert.Len(t, f.sender.Sent(), 2)
}

// Pausing with cancelPending=true cancels every waiting execution and
// no further advance does anything to them.
func TestPauseCancelPending(t *testing.T) {
	f := newFixture(t, 5)
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, execs, 5)

	// Move all five into the wait step.
	for _, ex := range execs {
		_, err := f.engine.Advance(ctx, ex.ID)
		require.NoError(t, err)
		_, err = f.engine.Advance(ctx, ex.ID)
		require.NoError(t, err)
	}
	waiting, err := f.store.ListExecutions(ctx, a.ID, domain.ExecutionWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 5)

	require.NoError(t, f.engine.Pause(ctx, a.ID, true))

	cancelled, err := f.store.ListExecutions(ctx, a.ID, domain.ExecutionCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 5)
	assert.Zero(t, f.queue.depth(), "cancelled executions leave the queue")

	// Advances after cancellation are no-ops.
	sent := len(f.sender.Sent())
	f.clock.Advance(48 * time.Hour)
	for _, ex := range cancelled {
		next, err := f.engine.Advance(ctx, ex.ID)
		require.NoError(t, err)
		assert.Nil(t, next)
	}
	assert.Len(t, f.sender.Sent(), sent)
}

// Pausing without cancelPending keeps executions open; reactivating
// with registerExisting=false requeues them without creating new ones.
func TestReactivateWithoutRegisterExisting(t *testing.T) {
	f := newFixture(t, 4)
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	require.NoError(t, f.engine.Pause(ctx, a.ID, false))
	open, err := f.store.ListExecutions(ctx, a.ID, domain.ExecutionPending)
	require.NoError(t, err)
	require.Len(t, open, 4)

	require.NoError(t, f.engine.Activate(ctx, a.ID, false))

	all, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4, "no new executions for subscribers who matched before the pause")
	assert.Equal(t, 4, f.queue.depth())
}

func TestAdvancePausedAutomationIsNoOp(t *testing.T) {
	f := newFixture(t, 1)
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	require.NoError(t, f.engine.Pause(ctx, a.ID, false))

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	next, err := f.engine.Advance(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Empty(t, f.sender.Sent())
}

func TestConditionBranchRouting(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a := &domain.Automation{
		Name:        "branching",
		Trigger:     domain.Trigger{EventType: "signup"},
		EntryStepID: "cond",
		Steps: []domain.Step{
			{ID: "cond", Type: domain.StepConditionBranch, Condition: &domain.ConditionConfig{
				Branches: []domain.Branch{{When: domain.Predicate{Field: "plan", Op: "eq", Value: "pro"}, Next: "pro-send"}},
				Default:  "free-send",
			}},
			{ID: "pro-send", Type: domain.StepSendMessage,
				Send: &domain.SendConfig{Subject: "Pro tips", FromEmail: "team@example.com"}},
			{ID: "free-send", Type: domain.StepSendMessage,
				Send: &domain.SendConfig{Subject: "Upgrade?", FromEmail: "team@example.com"}},
		},
	}
	f.mustCreateActive(t, a, false)
	f.subs.set(f.subs.all[0], "plan", "pro")
	f.subs.set(f.subs.all[1], "plan", "free")

	for _, sub := range f.subs.all {
		_, err := f.engine.HandleEvent(ctx, domain.SubscriberEvent{SubscriberID: sub, EventType: "signup"})
		require.NoError(t, err)
	}
	created, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, created, 2)

	subjects := map[uuid.UUID]string{}
	for _, ex := range created {
		for {
			next, err := f.engine.Advance(ctx, ex.ID)
			require.NoError(t, err)
			if next == nil {
				break
			}
		}
	}
	for _, msg := range f.sender.Sent() {
		subjects[msg.SubscriberID] = msg.Subject
	}
	assert.Equal(t, "Pro tips", subjects[f.subs.all[0]])
	assert.Equal(t, "Upgrade?", subjects[f.subs.all[1]])
}

func TestWebhookTerminalFailureFailsExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newFixture(t, 1, WithWebhookPolicy(retry.Policy{
		MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond,
	}))
	ctx := context.Background()

	a := &domain.Automation{
		Name:        "hook",
		Trigger:     domain.Trigger{EventType: "signup"},
		EntryStepID: "hook",
		Steps: []domain.Step{
			{ID: "hook", Type: domain.StepWebhook,
				Webhook: &domain.WebhookConfig{URL: srv.URL, Method: http.MethodPost, Payload: `{"ok":true}`}},
		},
	}
	f.mustCreateActive(t, a, true)

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	next, err := f.engine.Advance(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, next)

	ex, err := f.store.GetExecution(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, ex.Status)
	require.NotEmpty(t, ex.Log)
	assert.Equal(t, "error", ex.Log[len(ex.Log)-1].Outcome)
}

func TestWebhookRetriesTransientFailure(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, 1, WithWebhookPolicy(retry.Policy{
		MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond,
	}))
	ctx := context.Background()

	a := &domain.Automation{
		Name:        "hook",
		Trigger:     domain.Trigger{EventType: "signup"},
		EntryStepID: "hook",
		Steps: []domain.Step{
			{ID: "hook", Type: domain.StepWebhook,
				Webhook: &domain.WebhookConfig{URL: srv.URL, Payload: `{}`}},
		},
	}
	f.mustCreateActive(t, a, true)

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	next, err := f.engine.Advance(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, next)

	ex, err := f.store.GetExecution(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, ex.Status)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestDryRunCollectsActionsWithoutSending(t *testing.T) {
	f := newFixture(t, 1)
	a := f.mustCreateActive(t, simpleAutomation("signup"), false)
	ctx := context.Background()

	actions, err := f.engine.Test(ctx, a.ID, f.subs.all[0], true)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, domain.StepSendMessage, actions[0].Type)
	assert.Equal(t, domain.StepWait, actions[1].Type)
	assert.Equal(t, domain.StepSendMessage, actions[2].Type)
	assert.Empty(t, f.sender.Sent(), "dry run must not send")

	// Without dryRun the sends execute, still without creating an
	// execution.
	_, err = f.engine.Test(ctx, a.ID, f.subs.all[0], false)
	require.NoError(t, err)
	assert.Len(t, f.sender.Sent(), 2)
	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecutionLogIsAppendOnlyAudit(t *testing.T) {
	f := newFixture(t, 1)
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	execID := execs[0].ID

	_, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.engine.Advance(ctx, execID)
	require.NoError(t, err)

	ex, err := f.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.Len(t, ex.Log, 3)
	assert.Equal(t, []string{"sent", "waited", "sent"}, []string{
		ex.Log[0].Outcome, ex.Log[1].Outcome, ex.Log[2].Outcome,
	})
	assert.Equal(t, "send-1", ex.Log[0].StepID)
	assert.Equal(t, "wait-1", ex.Log[1].StepID)
	assert.Equal(t, "send-2", ex.Log[2].StepID)
}

type stubGate struct{ critical bool }

func (g *stubGate) HasActiveCritical() bool { return g.critical }

func TestCriticalAlertDefersAdvance(t *testing.T) {
	gate := &stubGate{critical: true}
	f := newFixture(t, 1, WithAlertGate(gate))
	a := f.mustCreateActive(t, simpleAutomation("signup"), true)
	ctx := context.Background()

	execs, err := f.store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)

	next, err := f.engine.Advance(ctx, execs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Empty(t, f.sender.Sent(), "no step runs while a critical alert is open")

	gate.critical = false
	_, err = f.engine.Advance(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Len(t, f.sender.Sent(), 1)
}

// hookedSubscribers lets a test run arbitrary code from inside an
// in-flight Advance, at the point the step resolves its subscriber.
type hookedSubscribers struct {
	*stubSubscribers
	onAttributes func()
}

func (h *hookedSubscribers) Attributes(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	if h.onAttributes != nil {
		h.onAttributes()
	}
	return h.stubSubscribers.Attributes(ctx, id)
}

// A cancel racing a worker mid-step must win: the worker's final write
// lands after Pause marked the execution cancelled, and the terminal
// status has to survive it with nothing rescheduled.
func TestCancelDuringAdvanceStaysCancelled(t *testing.T) {
	subs := &hookedSubscribers{stubSubscribers: newStubSubscribers(1)}
	store := NewMemoryStore()
	q := newMemQueue()
	sender := delivery.NewMemorySender(16)
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	tests := abtest.NewEngine(abtest.NewMemoryStore())
	engine := NewEngine(store, subs, sender, tests, q, WithClock(clock.Now))
	ctx := context.Background()

	a, err := engine.Create(ctx, simpleAutomation("signup"))
	require.NoError(t, err)
	require.NoError(t, engine.Activate(ctx, a.ID, true))

	execs, err := store.ListExecutions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	execID := execs[0].ID

	subs.onAttributes = func() {
		require.NoError(t, engine.Pause(ctx, a.ID, true))
	}

	next, err := engine.Advance(ctx, execID)
	require.NoError(t, err)
	assert.Nil(t, next, "a cancelled execution must not be rescheduled")

	ex, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, ex.Status)

	// Later advances stay no-ops and send nothing further.
	sent := len(sender.Sent())
	clock.Advance(48 * time.Hour)
	next, err = engine.Advance(ctx, execID)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Len(t, sender.Sent(), sent)
}
