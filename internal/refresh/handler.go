package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Handler exposes the orchestrator trigger endpoint (the process boundary
// the read path enqueues against).
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates the trigger handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// Trigger handles POST /internal/refresh. The run itself is detached from
// the triggering request: a 202 acknowledges the enqueue, and the status
// record carries the outcome for subsequent polls.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_request", "message": "invalid request body",
		})
		return
	}
	if req.UserID == "" || req.Keyword == "" || len(req.Markets) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_request", "message": "userId, keyword, and markets are required",
		})
		return
	}

	runID := uuid.New().String()
	go func() {
		// Detached from the request context: the run outlives the trigger.
		if err := h.orchestrator.Run(context.Background(), runID, req); err != nil {
			slog.Warn("refresh run did not complete", "run_id", runID, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"runId":  runID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
