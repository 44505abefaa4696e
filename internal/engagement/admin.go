// admin.go -- operator views over abuse records and the audit log.
package engagement

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/warden/internal/gate"
)

type abuseEvent struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type abuseStatus struct {
	Identity string       `json:"identity"`
	Action   string       `json:"action"`
	Flagged  bool         `json:"flagged"`
	Events   []abuseEvent `json:"events"`
}

// AbuseStatus handles GET /admin/abuse/{identity}/{action}.
// Flagged mirrors what the gate sees when it decides whether to tighten limits.
func (h *Handler) AbuseStatus(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	action := chi.URLParam(r, "action")
	if identity == "" || action == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "identity and action are required")
		return
	}

	history, err := h.Spam.AbuseHistory(r.Context(), identity, action)
	if err != nil {
		slog.ErrorContext(r.Context(), "abuse history unavailable", "identity", identity, "action", action, "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "abuse store unavailable")
		return
	}

	out := abuseStatus{
		Identity: identity,
		Action:   action,
		Flagged:  h.Spam.DetectAbusePattern(r.Context(), identity, action),
		Events:   make([]abuseEvent, 0, len(history)),
	}
	for _, ev := range history {
		out.Events = append(out.Events, abuseEvent{At: ev.At, Reason: ev.Reason})
	}
	gate.WriteJSON(w, http.StatusOK, out)
}

type auditRow struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Route     string          `json:"route"`
	UserID    *string         `json:"user_id,omitempty"`
	UserAgent *string         `json:"user_agent,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditTrail handles GET /admin/audit/{client}?limit=N, newest first.
// Answers 404 when no database is configured.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "audit log disabled")
		return
	}
	client := chi.URLParam(r, "client")

	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.Audit.ListAuditEventsByClient(r.Context(), client, limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "audit log unavailable", "client", client, "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "audit log unavailable")
		return
	}
	out := make([]auditRow, 0, len(entries))
	for _, e := range entries {
		row := auditRow{
			ID:        e.ID.String(),
			Action:    e.Action,
			Route:     e.Route,
			UserID:    e.UserID,
			UserAgent: e.UserAgent,
			CreatedAt: e.CreatedAt,
		}
		if len(e.Metadata) > 0 {
			row.Metadata = json.RawMessage(e.Metadata)
		}
		out = append(out, row)
	}
	gate.WriteJSON(w, http.StatusOK, struct {
		Client  string     `json:"client"`
		Entries []auditRow `json:"entries"`
	}{client, out})
}
