// Package gate decides whether a request may reach its handler.
//
// Evaluate runs a fixed sequence of checks and stops at the first rejection:
// method, session, CSRF, permissions, rate limit. An allowed request gets a
// best-effort activity touch before its handler runs. Protect adapts the
// Decision to HTTP.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
)

// tightenFactor divides a route's limit while its caller shows an abuse pattern.
const tightenFactor = 4

// Sessions defines the session operations the gate needs.
// Satisfied by *session.Store.
type Sessions interface {
	Get(ctx context.Context, token string) (*store.SessionRecord, error)
	ValidateCSRF(ctx context.Context, token, supplied string) bool
	Update(ctx context.Context, token string, patch session.Patch, extendExpiry bool) (bool, error)
}

// Limiter checks a policy for an identity.
// Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Check(ctx context.Context, identity string, p ratelimit.Policy) ratelimit.Result
}

// AbuseSignals records and reads abuse patterns.
// Satisfied by *antispam.Engine.
type AbuseSignals interface {
	RecordAbuseAttempt(ctx context.Context, identity, action, reason string) error
	DetectAbusePattern(ctx context.Context, identity, action string) bool
}

// Auditor persists rejections. Satisfied by *audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

// Reason is the stable machine-readable code of a rejection.
type Reason string

const (
	ReasonMethodNotAllowed Reason = "METHOD_NOT_ALLOWED"
	ReasonUnauthorized     Reason = "UNAUTHORIZED"
	ReasonCSRF             Reason = "CSRF_ERROR"
	ReasonForbidden        Reason = "FORBIDDEN"
	ReasonRateLimited      Reason = "TOO_MANY_REQUESTS"
	ReasonAuthError        Reason = "AUTH_ERROR"
)

// Status returns the HTTP status for r.
func (r Reason) Status() int {
	switch r {
	case ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonCSRF, ReasonForbidden:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var reasonMessages = map[Reason]string{
	ReasonMethodNotAllowed: "method not allowed",
	ReasonUnauthorized:     "unauthorized",
	ReasonCSRF:             "invalid csrf token",
	ReasonForbidden:        "forbidden",
	ReasonRateLimited:      "too many requests",
	ReasonAuthError:        "authentication error",
}

// Message returns the client-facing message for r.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return reasonMessages[ReasonAuthError]
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Allow  bool
	Reason Reason

	// Session is the resolved session, set whenever one was found, even on rejection.
	Session *store.SessionRecord
	// RateLimit is set when the route declares a policy and the check ran.
	RateLimit *ratelimit.Result
	// AllowedMethods is set on METHOD_NOT_ALLOWED.
	AllowedMethods []string
	// Tightened is set when an abuse pattern shrank the route's limit.
	Tightened bool
}

func reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Request is the transport-independent view of an inbound request.
type Request struct {
	Method       string
	Path         string
	SessionToken string
	CSRFToken    string
	ClientIP     string
	UserAgent    string
}

// Gate composes sessions, rate limiting and abuse signals into one decision.
type Gate struct {
	sessions Sessions
	limiter  Limiter
	abuse    AbuseSignals
	auditor  Auditor
	metrics  *Metrics
	cookies  CookieConfig
}

// Option configures a Gate.
type Option func(*Gate)

// WithAuditor records CSRF, permission, rate-limit and internal rejections.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithMetrics records each decision.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithCookies sets the cookie names Protect reads tokens from.
func WithCookies(c CookieConfig) Option {
	return func(g *Gate) { g.cookies = c }
}

// New returns a Gate. limiter and abuse may be nil when no route is rate limited.
func New(sessions Sessions, limiter Limiter, abuse AbuseSignals, opts ...Option) *Gate {
	g := &Gate{
		sessions: sessions,
		limiter:  limiter,
		abuse:    abuse,
		cookies:  DefaultCookieConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the gate's checks for req against route.
func (g *Gate) Evaluate(ctx context.Context, req Request, route Route) Decision {
	start := time.Now()
	d := g.evaluate(ctx, req, route)
	g.metrics.observe(route.Name, d, time.Since(start))
	return d
}

func (g *Gate) evaluate(ctx context.Context, req Request, route Route) Decision {
	// 1. method
	if !route.allowsMethod(req.Method) {
		d := reject(ReasonMethodNotAllowed)
		d.AllowedMethods = route.AllowedMethods()
		return d
	}

	// 2. session
	sess, err := g.sessions.Get(ctx, req.SessionToken)
	if err != nil {
		slog.ErrorContext(ctx, "session lookup returned unexpected error",
			"route", route.Name,
			"error", err,
		)
		g.audit(ctx, req, route, nil, audit.ActionInternalError, map[string]any{"stage": "session"})
		return reject(ReasonAuthError)
	}
	if sess == nil && route.requireAuth {
		return reject(ReasonUnauthorized)
	}

	// 3. csrf
	if sess != nil && route.requireCSRF && isStateChanging(req.Method) {
		if !g.sessions.ValidateCSRF(ctx, req.SessionToken, req.CSRFToken) {
			slog.WarnContext(ctx, "csrf validation failed",
				"route", route.Name,
				"session_id", sess.ID,
				"user_id", sess.UserID,
				"client_ip", req.ClientIP,
				"token_present", req.CSRFToken != "",
			)
			g.recordAbuse(ctx, req, route, "csrf_mismatch")
			g.audit(ctx, req, route, sess, audit.ActionCSRFRejected, map[string]any{"method": req.Method})
			d := reject(ReasonCSRF)
			d.Session = sess
			return d
		}
	}

	// 4. permissions
	// An anonymous caller on an optional-identity route holds no permissions.
	if len(route.permissions) > 0 && (sess == nil || !sess.HasPermission(route.permissions...)) {
		g.audit(ctx, req, route, sess, audit.ActionForbidden, map[string]any{"required": route.permissions})
		d := reject(ReasonForbidden)
		d.Session = sess
		return d
	}

	d := Decision{Allow: true, Session: sess}

	// 5. rate limit
	if route.policy != nil && g.limiter != nil {
		res, tightened := g.checkRate(ctx, req, route, sess)
		d.RateLimit = &res
		d.Tightened = tightened
		if !res.Allowed {
			g.recordAbuse(ctx, req, route, "rate_limited")
			g.audit(ctx, req, route, sess, audit.ActionRateLimited, map[string]any{
				"policy":    route.policy.Name,
				"limit":     res.Limit,
				"tightened": tightened,
				"degraded":  res.Degraded,
			})
			d.Allow = false
			d.Reason = ReasonRateLimited
			return d
		}
	}

	// 6. activity touch
	if sess != nil && route.updateActivity {
		if _, err := g.sessions.Update(ctx, req.SessionToken, session.Patch{}, false); err != nil {
			slog.WarnContext(ctx, "session activity touch failed", "session_id", sess.ID, "error", err)
		}
	}

	return d
}

func (g *Gate) checkRate(ctx context.Context, req Request, route Route, sess *store.SessionRecord) (ratelimit.Result, bool) {
	policy := *route.policy
	tightened := false
	if g.abuse != nil && g.abuse.DetectAbusePattern(ctx, clientIdentity(req), route.abuseAction()) {
		policy = policy.Tighten(tightenFactor)
		tightened = true
	}

	identity := clientIdentity(req)
	if sess != nil {
		identity = "user:" + sess.UserID
	}

	res := g.limiter.Check(ctx, identity, policy)
	if res.Degraded {
		g.metrics.storeDegraded("ratelimit")
	}
	return res, tightened
}

// recordAbuse logs an abuse signal against the client address.
func (g *Gate) recordAbuse(ctx context.Context, req Request, route Route, reason string) {
	if g.abuse == nil {
		return
	}
	if err := g.abuse.RecordAbuseAttempt(ctx, clientIdentity(req), route.abuseAction(), reason); err != nil {
		g.metrics.storeDegraded("antispam")
	}
}

func (g *Gate) audit(ctx context.Context, req Request, route Route, sess *store.SessionRecord, action string, meta map[string]any) {
	if g.auditor == nil {
		return
	}
	ev := audit.Event{
		Action:    action,
		Route:     route.Name,
		ClientID:  clientIdentity(req),
		UserAgent: req.UserAgent,
		Metadata:  meta,
	}
	if sess != nil {
		ev.UserID = sess.UserID
	}
	g.auditor.Record(ctx, ev)
}

// clientIdentity is the address abuse signals are keyed by.
func clientIdentity(req Request) string {
	if req.ClientIP == "" {
		return "unknown"
	}
	return req.ClientIP
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// standardMethods is the default allow-list.
var standardMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// Route is the declarative gate configuration for one handler.
type Route struct {
	// Name labels metrics, audit rows and log lines.
	Name string

	requireAuth    bool
	requireCSRF    bool
	updateActivity bool
	permissions    []string
	methods        []string
	policy         *ratelimit.Policy
	action         string
}

// RouteOption adjusts a Route's defaults.
type RouteOption func(*Route)

// NewRoute returns a route requiring an authenticated session and CSRF on
// state-changing methods, touching activity, and allowing every standard method.
func NewRoute(name string, opts ...RouteOption) Route {
	r := Route{
		Name:           name,
		requireAuth:    true,
		requireCSRF:    true,
		updateActivity: true,
		methods:        standardMethods,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Optional resolves the session when present but lets anonymous requests through.
func Optional() RouteOption {
	return func(r *Route) { r.requireAuth = false }
}

// WithoutCSRF skips CSRF validation. Only for routes where no session can yet
// exist or the action is an anonymous beacon.
func WithoutCSRF() RouteOption {
	return func(r *Route) { r.requireCSRF = false }
}

// RequirePermissions requires the session to hold at least one of perms, or admin.
func RequirePermissions(perms ...string) RouteOption {
	return func(r *Route) { r.permissions = append(r.permissions, perms...) }
}

// WithoutActivityTouch leaves LastActivity alone.
func WithoutActivityTouch() RouteOption {
	return func(r *Route) { r.updateActivity = false }
}

// Methods restricts the route to methods.
func Methods(methods ...string) RouteOption {
	return func(r *Route) { r.methods = methods }
}

// RateLimited applies policy. action keys abuse signals for the route;
// empty uses the route name.
func RateLimited(policy ratelimit.Policy, action string) RouteOption {
	return func(r *Route) {
		r.policy = &policy
		r.action = action
	}
}

// AllowedMethods returns the route's method allow-list.
func (r Route) AllowedMethods() []string {
	return slices.Clone(r.methods)
}

func (r Route) allowsMethod(method string) bool {
	return slices.Contains(r.methods, method)
}

func (r Route) abuseAction() string {
	if r.action != "" {
		return r.action
	}
	return r.Name
}
