// Package engagement meters anonymous view/share beacons.
//
// Each beacon passes the gate's fail-open rate limit, then the anti-spam checks
// in order: request shape, timing, per-identity dedup. Only a beacon that
// survives all three increments the counter.
package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/warden/internal/antispam"
	"github.com/MGallo-Code/warden/internal/gate"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/store"
)

// Action is the abuse and rate-limit action shared by every beacon route.
// Shape and timing failures are recorded under it, so a flagged client sees
// the gate tighten its engagement quota.
const Action = "engagement"

// Beacon kinds.
const (
	KindView  = "view"
	KindShare = "share"
)

// Beacon outcomes.
const (
	StatusCounted   = "counted"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

const (
	maxBodyBytes   = 1 << 10
	maxVisitorID   = 64
	defaultHistory = 50
)

var resourcePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Detector is the anti-spam surface beacons need. Satisfied by *antispam.Engine.
type Detector interface {
	ValidateRequestShape(userAgent string) antispam.Verdict
	ValidateTiming(action string, msSincePageLoad *int64) antispam.Verdict
	CheckSessionDuplication(ctx context.Context, action, resourceID, sessionID string, window time.Duration) bool
	RecordAbuseAttempt(ctx context.Context, identity, action, reason string) error
	DetectAbusePattern(ctx context.Context, identity, action string) bool
	AbuseHistory(ctx context.Context, identity, action string) ([]store.AbuseEvent, error)
}

// Counters stores per-resource totals. Satisfied by *store.RedisSpamStore.
type Counters interface {
	IncrementCounter(ctx context.Context, key string) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
}

// AuditLog reads back audit rows. Satisfied by *store.PostgresStore.
type AuditLog interface {
	ListAuditEventsByClient(ctx context.Context, clientID string, limit int) ([]store.AuditEntry, error)
}

// Handler serves the beacon and admin endpoints. Audit may be nil.
type Handler struct {
	Spam        Detector
	Counters    Counters
	Audit       AuditLog
	DedupWindow time.Duration
}

// CounterKey is the Redis key holding the total for one kind on one resource.
func CounterKey(kind, resourceID string) string {
	return "engagement:" + kind + ":" + resourceID
}

// Routes returns the /engagement sub-router. POST is anonymous and exempt from
// CSRF; every method shares the engagement rate policy.
// Paths are registered for all methods so the gate answers 405 itself.
func (h *Handler) Routes(g *gate.Gate, policy ratelimit.Policy) chi.Router {
	r := chi.NewRouter()
	route := gate.NewRoute(Action,
		gate.Optional(),
		gate.WithoutCSRF(),
		gate.WithoutActivityTouch(),
		gate.Methods(http.MethodGet, http.MethodHead, http.MethodPost),
		gate.RateLimited(policy, Action),
	)
	r.Handle("/{kind}/{resource}", g.ProtectFunc(route, h.serveBeacon))
	return r
}

// serveBeacon dispatches on method. The gate has already rejected anything
// other than GET, HEAD and POST.
func (h *Handler) serveBeacon(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.Record(w, r)
		return
	}
	h.Count(w, r)
}

// AdminRoutes returns the /admin sub-router. Every route needs the admin permission.
func (h *Handler) AdminRoutes(g *gate.Gate) chi.Router {
	r := chi.NewRouter()
	route := func(name string) gate.Route {
		return gate.NewRoute(name,
			gate.RequirePermissions(store.PermissionAdmin),
			gate.Methods(http.MethodGet, http.MethodHead),
		)
	}
	r.Handle("/abuse/{identity}/{action}", g.ProtectFunc(route("admin-abuse"), h.AbuseStatus))
	r.Handle("/audit/{client}", g.ProtectFunc(route("admin-audit"), h.AuditTrail))
	return r
}

type beaconInput struct {
	VisitorID       string `json:"visitor_id"`
	MsSincePageLoad *int64 `json:"ms_since_page_load"`
}

type beaconResponse struct {
	Status string `json:"status"`
	Count  int64  `json:"count,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Record handles POST /engagement/{kind}/{resource}.
// Returns 200 counted or duplicate, 202 ignored, 400 for bad input, 404 for an unknown kind.
func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	kind, resource, ok := pathParams(w, r)
	if !ok {
		return
	}

	var in beaconInput
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "error decoding request body")
		return
	}
	if len(in.VisitorID) > maxVisitorID {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "visitor_id too long")
		return
	}

	ctx := r.Context()
	ip := gate.ClientIP(r)

	if v := h.Spam.ValidateRequestShape(r.UserAgent()); !v.Valid {
		h.ignore(ctx, w, ip, kind, resource, v.Reason)
		return
	}
	if v := h.Spam.ValidateTiming(kind, in.MsSincePageLoad); !v.Valid {
		h.ignore(ctx, w, ip, kind, resource, v.Reason)
		return
	}

	if h.Spam.CheckSessionDuplication(ctx, kind, resource, dedupIdentity(r, in.VisitorID, ip), h.DedupWindow) {
		gate.WriteJSON(w, http.StatusOK, beaconResponse{Status: StatusDuplicate})
		return
	}

	n, err := h.Counters.IncrementCounter(ctx, CounterKey(kind, resource))
	if err != nil {
		slog.ErrorContext(ctx, "engagement counter unavailable",
			"kind", kind,
			"resource", resource,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "counter unavailable")
		return
	}
	gate.WriteJSON(w, http.StatusOK, beaconResponse{Status: StatusCounted, Count: n})
}

// ignore records the failed check against the client and answers 202 so
// automated senders learn nothing from the status code.
func (h *Handler) ignore(ctx context.Context, w http.ResponseWriter, ip, kind, resource, reason string) {
	slog.InfoContext(ctx, "engagement beacon ignored",
		"kind", kind,
		"resource", resource,
		"client_ip", ip,
		"reason", reason,
	)
	// Failure already logged by the detector.
	_ = h.Spam.RecordAbuseAttempt(ctx, ip, Action, reason)
	gate.WriteJSON(w, http.StatusAccepted, beaconResponse{Status: StatusIgnored, Reason: reason})
}

// dedupIdentity prefers the session, then the client-supplied visitor ID, then the IP.
func dedupIdentity(r *http.Request, visitorID, ip string) string {
	if sess, ok := gate.SessionFromContext(r.Context()); ok {
		return "s:" + sess.ID.String()
	}
	if visitorID != "" {
		return "v:" + visitorID
	}
	return "ip:" + ip
}

// Count handles GET /engagement/{kind}/{resource}.
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	kind, resource, ok := pathParams(w, r)
	if !ok {
		return
	}
	n, err := h.Counters.GetCounter(r.Context(), CounterKey(kind, resource))
	if err != nil {
		slog.ErrorContext(r.Context(), "engagement counter unavailable", "kind", kind, "resource", resource, "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "counter unavailable")
		return
	}
	gate.WriteJSON(w, http.StatusOK, struct {
		Kind     string `json:"kind"`
		Resource string `json:"resource"`
		Count    int64  `json:"count"`
	}{kind, resource, n})
}

func pathParams(w http.ResponseWriter, r *http.Request) (kind, resource string, ok bool) {
	kind = chi.URLParam(r, "kind")
	resource = chi.URLParam(r, "resource")
	if kind != KindView && kind != KindShare {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown engagement kind")
		return "", "", false
	}
	if !resourcePattern.MatchString(resource) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid resource id")
		return "", "", false
	}
	return kind, resource, true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	gate.WriteJSON(w, status, errorBody{code, message})
}
