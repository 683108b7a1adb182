package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/domain"
)

// ABTestInput is the input for creating an A/B test.
type ABTestInput struct {
	Name             string  `json:"name"`
	TestType         string  `json:"test_type"`
	WinnerCriteria   string  `json:"winner_criteria,omitempty"`
	AutoSelectWinner bool    `json:"auto_select_winner"`
	TestDurationMins int     `json:"test_duration_minutes,omitempty"`
	ConfidenceLevel  float64 `json:"confidence_level,omitempty"`
	MinSampleSize    int     `json:"min_sample_size,omitempty"`

	Variants []VariantInput `json:"variants"`
}

// VariantInput is one candidate message in the test.
type VariantInput struct {
	Label        string `json:"label,omitempty"`
	SplitPercent int    `json:"split_percent"`
	Subject      string `json:"subject,omitempty"`
	FromName     string `json:"from_name,omitempty"`
	Body         string `json:"body,omitempty"`
	SendHour     *int   `json:"send_hour,omitempty"`
}

func (h *Handlers) HandleCreateTest(w http.ResponseWriter, r *http.Request) {
	var input ABTestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if input.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	test := &domain.ABTest{
		Name:             input.Name,
		TestType:         domain.ABTestType(input.TestType),
		WinnerCriteria:   domain.WinnerCriterion(input.WinnerCriteria),
		AutoSelectWinner: input.AutoSelectWinner,
		TestDuration:     time.Duration(input.TestDurationMins) * time.Minute,
		ConfidenceLevel:  input.ConfidenceLevel,
		MinSampleSize:    input.MinSampleSize,
	}
	variants := make([]domain.Variant, len(input.Variants))
	for i, v := range input.Variants {
		variants[i] = domain.Variant{
			Label:        v.Label,
			SplitPercent: v.SplitPercent,
			Subject:      v.Subject,
			FromName:     v.FromName,
			Body:         v.Body,
			SendHour:     v.SendHour,
		}
	}

	created, err := h.Tests.CreateTest(r.Context(), test, variants)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) HandleStartTest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "testID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid test id")
		return
	}
	if err := h.Tests.Start(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "testing"})
}

func (h *Handlers) HandleSelectWinner(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "testID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid test id")
		return
	}
	var body struct {
		VariantID uuid.UUID `json:"variant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Tests.SelectWinner(r.Context(), id, body.VariantID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handlers) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "testID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid test id")
		return
	}
	res, err := h.Tests.ComputeSignificance(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res.Variants)
}

// HandleEngagementEvent accepts a delivery/engagement notification
// (open, click, bounce) and routes it to outcome recording.
func (h *Handlers) HandleEngagementEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.EngagementEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.VariantID == uuid.Nil || ev.Type == "" {
		respondError(w, http.StatusBadRequest, "variant_id and type are required")
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if h.Events != nil {
		select {
		case h.Events <- ev:
			respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		default:
			respondError(w, http.StatusServiceUnavailable, "event buffer full")
		}
		return
	}

	if err := h.Tests.RecordOutcome(r.Context(), ev.VariantID, ev.Type, ev.Value); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handlers) HandleGetSignificance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "testID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid test id")
		return
	}
	res, err := h.Tests.ComputeSignificance(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}
