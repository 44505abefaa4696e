package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MGallo-Code/warden/internal/antispam"
	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/testutil"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0"

// harness wires real leaf components over in-memory mocks.
type harness struct {
	gate     *Gate
	sessions *session.Store
	backend  *testutil.MockSessionBackend
	counter  *testutil.MockCounter
	spam     *testutil.MockSpamStore
	sink     *testutil.MockAuditSink
	recorder *audit.Recorder
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: testutil.NewMockSessionBackend(),
		counter: testutil.NewMockCounter(),
		spam:    testutil.NewMockSpamStore(),
		sink:    &testutil.MockAuditSink{},
	}
	m, err := NewMetrics(MetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h.metrics = m
	h.sessions = session.New(h.backend)
	h.recorder = audit.New(h.sink)
	t.Cleanup(h.recorder.Close)
	h.gate = New(
		h.sessions,
		ratelimit.New(h.counter),
		antispam.New(h.spam, antispam.DefaultConfig()),
		WithAuditor(h.recorder),
		WithMetrics(m),
	)
	return h
}

// audited flushes the recorder and returns the audit actions written so far.
// Nothing is audited after it returns.
func (h *harness) audited() []string {
	h.recorder.Close()
	return h.sink.Actions()
}

func (h *harness) login(t *testing.T, perms ...string) session.Tokens {
	t.Helper()
	toks, err := h.sessions.Create(context.Background(), session.Payload{UserID: "u1", Email: "a@b.c", Permissions: perms}, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return toks
}

func postReq(toks session.Tokens, csrf string) Request {
	return Request{
		Method:       http.MethodPost,
		Path:         "/things",
		SessionToken: toks.Session,
		CSRFToken:    csrf,
		ClientIP:     "203.0.113.7",
		UserAgent:    testUA,
	}
}

var tightPolicy = ratelimit.Policy{Name: "things", Limit: 1, Window: time.Minute, FailClosed: true}

// --- Evaluate: ordering ---

func TestEvaluate_CSRFMismatchBeatsPermissionsAndRate(t *testing.T) {
	h := newHarness(t)
	toks := h.login(t, "read")
	other := h.login(t, "read")

	route := NewRoute("things",
		RequirePermissions("write"),
		RateLimited(tightPolicy, "things"),
	)
	// Exhaust the rate limit first so a later check would fail too.
	h.counter.Counts[ratelimit.Key(tightPolicy, "user:u1", time.Now())] = 99

	d := h.gate.Evaluate(context.Background(), postReq(toks, other.CSRF), route)
	if d.Allow {
		t.Fatal("expected rejection")
	}
	if d.Reason != ReasonCSRF {
		t.Fatalf("reason: got %s, want %s", d.Reason, ReasonCSRF)
	}
	if d.Reason.Status() != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", d.Reason.Status())
	}
	if h.counter.Calls != 0 {
		t.Error("rate limiter consulted after csrf rejection")
	}
}

func TestEvaluate_Steps(t *testing.T) {
	ctx := context.Background()

	t.Run("method not allowed", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		route := NewRoute("things", Methods(http.MethodGet))
		d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), route)
		if d.Reason != ReasonMethodNotAllowed {
			t.Fatalf("reason: got %s", d.Reason)
		}
		if !slices.Equal(d.AllowedMethods, []string{http.MethodGet}) {
			t.Errorf("allowed methods: %v", d.AllowedMethods)
		}
	})

	t.Run("missing session is unauthorized", func(t *testing.T) {
		h := newHarness(t)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet}, NewRoute("things"))
		if d.Reason != ReasonUnauthorized {
			t.Fatalf("reason: got %s", d.Reason)
		}
	})

	t.Run("unknown token is unauthorized", func(t *testing.T) {
		h := newHarness(t)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet, SessionToken: "forged"}, NewRoute("things"))
		if d.Reason != ReasonUnauthorized {
			t.Fatalf("reason: got %s", d.Reason)
		}
	})

	t.Run("store outage is unauthorized", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		h.backend.GetSessionErr = testutil.ErrUnavailable
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet, SessionToken: toks.Session}, NewRoute("things"))
		if d.Reason != ReasonUnauthorized {
			t.Fatalf("reason: got %s", d.Reason)
		}
	})

	t.Run("corrupt record is auth error", func(t *testing.T) {
		h := newHarness(t)
		h.backend.GetSessionErr = fmt.Errorf("%w: bad json", store.ErrCorruptRecord)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet, SessionToken: "x"}, NewRoute("things", Optional()))
		if d.Reason != ReasonAuthError {
			t.Fatalf("reason: got %s", d.Reason)
		}
		if d.Reason.Status() != http.StatusInternalServerError {
			t.Errorf("status: got %d", d.Reason.Status())
		}
		if got := h.audited(); !slices.Equal(got, []string{audit.ActionInternalError}) {
			t.Errorf("audit: %v", got)
		}
	})

	t.Run("optional route lets anonymous through", func(t *testing.T) {
		h := newHarness(t)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodPost}, NewRoute("things", Optional()))
		if !d.Allow || d.Session != nil {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("optional route still resolves session", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet, SessionToken: toks.Session}, NewRoute("things", Optional()))
		if !d.Allow || d.Session == nil || d.Session.UserID != "u1" {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("csrf missing", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		d := h.gate.Evaluate(ctx, postReq(toks, ""), NewRoute("things"))
		if d.Reason != ReasonCSRF {
			t.Fatalf("reason: got %s", d.Reason)
		}
		if got := h.spam.EventCount(antispam.AbuseKey("203.0.113.7", "things")); got != 1 {
			t.Errorf("abuse events: got %d, want 1", got)
		}
		if got := h.audited(); !slices.Equal(got, []string{audit.ActionCSRFRejected}) {
			t.Errorf("audit: %v", got)
		}
	})

	t.Run("csrf not required on GET", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		req := postReq(toks, "")
		req.Method = http.MethodGet
		if d := h.gate.Evaluate(ctx, req, NewRoute("things")); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("csrf opt out", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		if d := h.gate.Evaluate(ctx, postReq(toks, ""), NewRoute("things", WithoutCSRF())); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("csrf matches", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		if d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things")); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("permission missing is forbidden", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t, "read")
		d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things", RequirePermissions("write", "delete")))
		if d.Reason != ReasonForbidden {
			t.Fatalf("reason: got %s", d.Reason)
		}
		if got := h.audited(); !slices.Equal(got, []string{audit.ActionForbidden}) {
			t.Errorf("audit: %v", got)
		}
	})

	t.Run("any listed permission passes", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t, "delete")
		if d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things", RequirePermissions("write", "delete"))); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("admin passes any permission", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t, store.PermissionAdmin)
		if d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things", RequirePermissions("write"))); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})

	t.Run("anonymous on permission route is forbidden", func(t *testing.T) {
		h := newHarness(t)
		d := h.gate.Evaluate(ctx, Request{Method: http.MethodGet}, NewRoute("things", Optional(), RequirePermissions("write")))
		if d.Reason != ReasonForbidden {
			t.Fatalf("reason: got %s", d.Reason)
		}
	})
}

// --- Evaluate: rate limit ---

func TestEvaluate_RateLimit(t *testing.T) {
	ctx := context.Background()
	policy := ratelimit.Policy{Name: "things", Limit: 2, Window: time.Minute}

	t.Run("denies past limit and records abuse", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		route := NewRoute("things", RateLimited(policy, "things"))

		for i := 1; i <= 2; i++ {
			d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), route)
			if !d.Allow || d.RateLimit == nil {
				t.Fatalf("call %d: got %+v", i, d)
			}
		}
		d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), route)
		if d.Reason != ReasonRateLimited || d.RateLimit == nil || d.RateLimit.Remaining != 0 {
			t.Fatalf("got %+v", d)
		}
		if got := h.spam.EventCount(antispam.AbuseKey("203.0.113.7", "things")); got != 1 {
			t.Errorf("abuse events: got %d, want 1", got)
		}
		if got := h.audited(); !slices.Equal(got, []string{audit.ActionRateLimited}) {
			t.Errorf("audit: %v", got)
		}
	})

	t.Run("keys by user when signed in, by ip otherwise", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		route := NewRoute("things", Optional(), RateLimited(policy, "things"))
		now := time.Now()

		h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), route)
		h.gate.Evaluate(ctx, Request{Method: http.MethodGet, ClientIP: "198.51.100.1"}, route)

		if h.counter.Counts[ratelimit.Key(policy, "user:u1", now)] != 1 {
			t.Errorf("user key not counted: %v", h.counter.Counts)
		}
		if h.counter.Counts[ratelimit.Key(policy, "198.51.100.1", now)] != 1 {
			t.Errorf("ip key not counted: %v", h.counter.Counts)
		}
	})

	t.Run("abuse pattern tightens policy", func(t *testing.T) {
		h := newHarness(t)
		engine := antispam.New(h.spam, antispam.DefaultConfig())
		for i := 0; i < 11; i++ {
			engine.RecordAbuseAttempt(ctx, "203.0.113.7", "things", "too_fast")
		}
		toks := h.login(t)
		route := NewRoute("things", RateLimited(ratelimit.Policy{Name: "things", Limit: 8, Window: time.Minute}, "things"))

		d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), route)
		if !d.Allow || !d.Tightened || d.RateLimit.Limit != 2 {
			t.Fatalf("got allow=%v tightened=%v result=%+v", d.Allow, d.Tightened, d.RateLimit)
		}
	})

	t.Run("store outage honours fail mode", func(t *testing.T) {
		for _, failClosed := range []bool{true, false} {
			h := newHarness(t)
			h.counter.IncrementErr = testutil.ErrUnavailable
			toks := h.login(t)
			p := policy
			p.FailClosed = failClosed
			d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things", RateLimited(p, "")))
			if d.Allow == failClosed {
				t.Errorf("failClosed=%v: allow=%v", failClosed, d.Allow)
			}
			if got := promtest.ToFloat64(h.metrics.Degraded.WithLabelValues("ratelimit")); got != 1 {
				t.Errorf("degraded counter: got %v, want 1", got)
			}
		}
	})
}

// --- Evaluate: activity touch ---

func TestEvaluate_ActivityTouch(t *testing.T) {
	ctx := context.Background()

	t.Run("touches last activity", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		key := session.KeyHash(toks.Session)
		h.backend.Sessions[key].LastActivity = time.Unix(0, 0)

		if d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things")); !d.Allow {
			t.Fatalf("got %+v", d)
		}
		if h.backend.Sessions[key].LastActivity.Equal(time.Unix(0, 0)) {
			t.Error("last activity not touched")
		}
	})

	t.Run("opt out leaves activity alone", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		key := session.KeyHash(toks.Session)
		h.backend.Sessions[key].LastActivity = time.Unix(0, 0)

		h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things", WithoutActivityTouch()))
		if !h.backend.Sessions[key].LastActivity.Equal(time.Unix(0, 0)) {
			t.Error("last activity touched")
		}
	})

	t.Run("touch failure does not block", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		h.backend.UpdateSessionErr = testutil.ErrUnavailable
		if d := h.gate.Evaluate(ctx, postReq(toks, toks.CSRF), NewRoute("things")); !d.Allow {
			t.Fatalf("got %+v", d)
		}
	})
}

func TestEvaluate_Metrics(t *testing.T) {
	h := newHarness(t)
	toks := h.login(t)
	route := NewRoute("things")

	h.gate.Evaluate(context.Background(), postReq(toks, toks.CSRF), route)
	h.gate.Evaluate(context.Background(), postReq(toks, "wrong"), route)

	if got := promtest.ToFloat64(h.metrics.Decisions.WithLabelValues("things", "allowed")); got != 1 {
		t.Errorf("allowed: got %v", got)
	}
	if got := promtest.ToFloat64(h.metrics.Decisions.WithLabelValues("things", string(ReasonCSRF))); got != 1 {
		t.Errorf("csrf: got %v", got)
	}
	if n := promtest.CollectAndCount(h.metrics.Duration); n == 0 {
		t.Error("expected duration samples")
	}
}

func TestNewMetrics_Reregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(MetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	b, err := NewMetrics(MetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewMetrics: %v", err)
	}
	if a.Decisions != b.Decisions {
		t.Error("expected existing collector to be reused")
	}
}

// --- Protect ---

func newProtected(t *testing.T, h *harness, route Route) http.Handler {
	t.Helper()
	return h.gate.Protect(route, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			w.Write([]byte("anonymous"))
			return
		}
		tok, _ := SessionTokenFromContext(r.Context())
		if tok == "" {
			t.Error("session token missing from context")
		}
		w.Write([]byte(sess.UserID))
	}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestProtect_CSRFMismatchEndToEnd(t *testing.T) {
	h := newHarness(t)
	toks := h.login(t, "read")
	other := h.login(t, "read")

	handler := newProtected(t, h, NewRoute("things",
		Methods(http.MethodPost),
		RequirePermissions("write"),
		RateLimited(tightPolicy, "things"),
	))

	req := httptest.NewRequest(http.MethodPost, "/things", nil)
	req.Header.Set("Authorization", "Bearer "+toks.Session)
	req.Header.Set(CSRFHeader, other.CSRF)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", rr.Code)
	}
	body := decodeBody(t, rr)
	if body.Code != ReasonCSRF {
		t.Errorf("code: got %s, want %s", body.Code, ReasonCSRF)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("quota headers set before the rate limit ran")
	}
}

func TestProtect(t *testing.T) {
	t.Run("cookie session with header csrf", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		handler := newProtected(t, h, NewRoute("things"))

		req := httptest.NewRequest(http.MethodPost, "/things", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: toks.Session})
		req.Header.Set(CSRFHeader, toks.CSRF)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK || rr.Body.String() != "u1" {
			t.Fatalf("got %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("csrf from cookie", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		handler := newProtected(t, h, NewRoute("things"))

		req := httptest.NewRequest(http.MethodDelete, "/things", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: toks.Session})
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: toks.CSRF})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("got %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("bearer wins over cookie", func(t *testing.T) {
		h := newHarness(t)
		toks := h.login(t)
		handler := newProtected(t, h, NewRoute("things"))

		req := httptest.NewRequest(http.MethodGet, "/things", nil)
		req.Header.Set("Authorization", "bearer "+toks.Session)
		req.AddCookie(&http.Cookie{Name: "session", Value: "stale"})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("got %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("unauthorized body", func(t *testing.T) {
		h := newHarness(t)
		handler := newProtected(t, h, NewRoute("things"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things", nil))

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d", rr.Code)
		}
		if body := decodeBody(t, rr); body.Code != ReasonUnauthorized || body.Message == "" {
			t.Errorf("body: %+v", body)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
	})

	t.Run("method not allowed sets Allow", func(t *testing.T) {
		h := newHarness(t)
		handler := newProtected(t, h, NewRoute("things", Methods(http.MethodGet, http.MethodHead)))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/things", nil))

		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status: got %d", rr.Code)
		}
		if got := rr.Header().Get("Allow"); got != "GET, HEAD" {
			t.Errorf("Allow: got %q", got)
		}
	})

	t.Run("rate limited response", func(t *testing.T) {
		h := newHarness(t)
		handler := newProtected(t, h, NewRoute("things", Optional(), RateLimited(tightPolicy, "things")))

		serve := func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/things", nil)
			req.RemoteAddr = "192.0.2.9:4444"
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			return rr
		}

		first := serve()
		if first.Code != http.StatusOK || first.Body.String() != "anonymous" {
			t.Fatalf("first: got %d %q", first.Code, first.Body.String())
		}
		if first.Header().Get("X-RateLimit-Limit") != "1" || first.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("quota headers: %v", first.Header())
		}

		second := serve()
		if second.Code != http.StatusTooManyRequests {
			t.Fatalf("second: got %d", second.Code)
		}
		body := decodeBody(t, second)
		if body.Code != ReasonRateLimited || body.RetryAfter < 1 {
			t.Errorf("body: %+v", body)
		}
		if second.Header().Get("Retry-After") == "" || second.Header().Get("X-RateLimit-Reset") == "" {
			t.Errorf("headers: %v", second.Header())
		}
	})

	t.Run("auth error hides detail", func(t *testing.T) {
		h := newHarness(t)
		h.backend.GetSessionErr = fmt.Errorf("%w: secret detail", store.ErrCorruptRecord)
		handler := newProtected(t, h, NewRoute("things"))

		req := httptest.NewRequest(http.MethodGet, "/things", nil)
		req.Header.Set("Authorization", "Bearer x")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status: got %d", rr.Code)
		}
		if strings.Contains(rr.Body.String(), "secret") {
			t.Errorf("internal detail leaked: %s", rr.Body.String())
		}
	})
}

// --- cookies / extraction ---

func TestCookieConfig(t *testing.T) {
	t.Run("production cookies", func(t *testing.T) {
		c := DefaultCookieConfig()
		c.Production = true
		c.Domain = "example.com"

		sc := c.SessionCookie("tok", time.Hour)
		if !sc.HttpOnly || !sc.Secure || sc.SameSite != http.SameSiteStrictMode || sc.MaxAge != 3600 || sc.Path != "/" || sc.Domain != "example.com" {
			t.Errorf("session cookie: %+v", sc)
		}
		cc := c.CSRFCookie("csrf", time.Hour)
		if cc.HttpOnly || cc.Name != "csrf_token" || cc.SameSite != http.SameSiteStrictMode || cc.MaxAge != 3600 {
			t.Errorf("csrf cookie: %+v", cc)
		}
	})

	t.Run("development is lax", func(t *testing.T) {
		c := DefaultCookieConfig()
		c.Secure = false
		sc := c.SessionCookie("tok", time.Hour)
		if sc.SameSite != http.SameSiteLaxMode || sc.Secure {
			t.Errorf("session cookie: %+v", sc)
		}
	})

	t.Run("clear expires both", func(t *testing.T) {
		rr := httptest.NewRecorder()
		DefaultCookieConfig().ClearSessionCookies(rr)
		cookies := rr.Result().Cookies()
		if len(cookies) != 2 {
			t.Fatalf("expected 2 cookies, got %d", len(cookies))
		}
		for _, ck := range cookies {
			if ck.MaxAge >= 0 {
				t.Errorf("%s not expired: MaxAge=%d", ck.Name, ck.MaxAge)
			}
		}
	})
}

func TestFromHTTP(t *testing.T) {
	c := DefaultCookieConfig()

	req := httptest.NewRequest(http.MethodPatch, "/x", nil)
	req.RemoteAddr = "[2001:db8::1]:5555"
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("Authorization", "Basic abc")
	req.AddCookie(&http.Cookie{Name: "session", Value: "from-cookie"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-cookie"})

	got := c.FromHTTP(req)
	if got.SessionToken != "from-cookie" {
		t.Errorf("non-bearer auth should fall back to cookie, got %q", got.SessionToken)
	}
	if got.CSRFToken != "csrf-cookie" {
		t.Errorf("csrf: got %q", got.CSRFToken)
	}
	if got.ClientIP != "2001:db8::1" {
		t.Errorf("client ip: got %q", got.ClientIP)
	}
	if got.Method != http.MethodPatch || got.UserAgent != testUA || got.Path != "/x" {
		t.Errorf("request: %+v", got)
	}
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}

	tests := []struct {
		name    string
		trusted []netip.Prefix
		remote  string
		xff     string
		realIP  string
		want    string
	}{
		{"no trusted proxies ignores headers", nil, "203.0.113.9:4000", "198.51.100.1", "198.51.100.2", "203.0.113.9"},
		{"untrusted peer cannot spoof x-real-ip", trusted, "203.0.113.9:4000", "", "198.51.100.2", "203.0.113.9"},
		{"untrusted peer cannot spoof xff", trusted, "203.0.113.9:4000", "198.51.100.1", "", "203.0.113.9"},
		{"trusted peer with x-real-ip", trusted, "10.1.2.3:4000", "", "198.51.100.2", "198.51.100.2"},
		{"trusted peer with xff", trusted, "10.1.2.3:4000", "198.51.100.1", "", "198.51.100.1"},
		{"xff prefers rightmost untrusted hop", trusted, "10.1.2.3:4000", "1.1.1.1, 198.51.100.1, 10.9.9.9", "", "198.51.100.1"},
		{"xff of only proxies yields leftmost", trusted, "10.1.2.3:4000", "10.5.5.5, 10.9.9.9", "", "10.5.5.5"},
		{"xff wins over x-real-ip", trusted, "10.1.2.3:4000", "198.51.100.1", "198.51.100.2", "198.51.100.1"},
		{"malformed xff hop keeps peer", trusted, "10.1.2.3:4000", "198.51.100.1, junk", "", "10.1.2.3"},
		{"trusted peer without headers keeps peer", trusted, "10.1.2.3:4000", "", "", "10.1.2.3"},
		{"ipv6 loopback proxy", trusted, "[::1]:4000", "2001:db8::7", "", "2001:db8::7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := RealIP(tc.trusted)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Errorf("client ip: got %q, want %q", got, tc.want)
			}
		})
	}
}
