package api

import (
	"net/http"
	"time"
)

// HandleGetSummary aggregates the retained sample window. Query params
// start/end are RFC 3339; defaults cover the last hour.
func (h *Handlers) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.Add(-time.Hour)

	if s := r.URL.Query().Get("start"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		start = parsed
	}
	if s := r.URL.Query().Get("end"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		end = parsed
	}

	sum, err := h.Collector.Summarize(start, end)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *Handlers) HandleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.Collector.ActiveAlerts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handlers) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "alertID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	if err := h.Collector.Acknowledge(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
