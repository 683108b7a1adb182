package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/abtest"
	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/metrics"
	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

// Handlers bundles the engines behind the HTTP control surface.
type Handlers struct {
	Workflows *automation.Engine
	Tests     *abtest.Engine
	Collector *metrics.Collector
	StartedAt time.Time

	// Events, when set, receives posted engagement notifications for
	// asynchronous outcome recording. When nil they are recorded inline.
	Events chan<- domain.EngagementEvent
}

// NewHandlers creates the handler set.
func NewHandlers(workflows *automation.Engine, tests *abtest.Engine, collector *metrics.Collector) *Handlers {
	return &Handlers{
		Workflows: workflows,
		Tests:     tests,
		Collector: collector,
		StartedAt: time.Now(),
	}
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.StartedAt).String(),
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errkind.Classify(err) {
	case errkind.InvalidStateTransition:
		return http.StatusConflict
	case errkind.AuthenticationFailed:
		return http.StatusUnauthorized
	case errkind.PermissionDenied:
		return http.StatusForbidden
	case errkind.FileFormat:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	return id, err == nil
}

// =============================================================================
// AUTOMATION LIFECYCLE
// =============================================================================

func (h *Handlers) HandleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a domain.Automation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := h.Workflows.Create(r.Context(), &a)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) HandleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	a, err := h.Workflows.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	var body struct {
		RegisterExisting bool `json:"register_existing"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := h.Workflows.Activate(r.Context(), id, body.RegisterExisting); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	var body struct {
		CancelPending bool `json:"cancel_pending"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := h.Workflows.Pause(r.Context(), id, body.CancelPending); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) HandleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	if err := h.Workflows.Archive(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (h *Handlers) HandleTestRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	var body struct {
		SubscriberID uuid.UUID `json:"subscriber_id"`
		DryRun       *bool     `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	dryRun := true
	if body.DryRun != nil {
		dryRun = *body.DryRun
	}
	actions, err := h.Workflows.Test(r.Context(), id, body.SubscriberID, dryRun)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dry_run": dryRun,
		"actions": actions,
	})
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "automationID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid automation id")
		return
	}
	var statuses []domain.ExecutionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, domain.ExecutionStatus(s))
	}
	execs, err := h.Workflows.ListExecutions(r.Context(), id, statuses...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

func (h *Handlers) HandleSubscriberEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.SubscriberEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	created, err := h.Workflows.HandleEvent(r.Context(), ev)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"executions_created": created})
}
