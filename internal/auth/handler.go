// handler.go -- HTTP handlers for login, logout and session endpoints.
//
// Every route here sits behind the gate. Login runs with an optional session and
// no CSRF check (no token exists yet); the rest require a session and a CSRF token
// on state-changing methods.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/captcha"
	"github.com/MGallo-Code/warden/internal/gate"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Sessions defines the session operations auth handlers need.
// Satisfied by *session.Store -- defined here (at consumer) per Go convention.
type Sessions interface {
	Create(ctx context.Context, p session.Payload, ttl time.Duration) (session.Tokens, error)
	Get(ctx context.Context, token string) (*store.SessionRecord, error)
	Update(ctx context.Context, token string, patch session.Patch, extendExpiry bool) (bool, error)
	Destroy(ctx context.Context, token string) (bool, error)
	DestroyAllForUser(ctx context.Context, userID string) (int64, error)
}

// CaptchaVerifier checks a human-presence token.
// Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// AbuseRecorder notes failed logins so repeat offenders get tighter limits.
// Satisfied by *antispam.Engine.
type AbuseRecorder interface {
	RecordAbuseAttempt(ctx context.Context, identity, action, reason string) error
}

// Limiter is the per-email login throttle. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	Check(ctx context.Context, identity string, p ratelimit.Policy) ratelimit.Result
}

// Auditor persists security events. Satisfied by *audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

// HealthChecker pings one backing dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// LoginAction is the abuse/rate-limit action name for the login route.
const LoginAction = "login"

// maxBodyBytes bounds JSON request bodies on auth routes.
const maxBodyBytes = 1 << 14

// dummyPasswordHash is a precomputed Argon2id hash for timing attack mitigation.
// Unknown emails verify against it so both paths cost one argon2 derivation.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// operatorNamespace seeds the stable operator user ID.
var operatorNamespace = uuid.NewV5(uuid.NamespaceURL, "warden:operator")

// Operator is the single credential configured through the environment.
type Operator struct {
	Email        string
	PasswordHash string
	UserID       string
	Permissions  []string
}

// NewOperator returns the operator account for email, or nil when login is disabled.
// The user ID is derived from the email so it survives restarts.
func NewOperator(email, passwordHash string) *Operator {
	if email == "" || passwordHash == "" {
		return nil
	}
	return &Operator{
		Email:        email,
		PasswordHash: passwordHash,
		UserID:       uuid.NewV5(operatorNamespace, email).String(),
		Permissions:  []string{store.PermissionAdmin},
	}
}

// AuthHandler holds dependencies for the session HTTP handlers.
// Operator, CV, Abuse, EmailLimiter, Audit and PS may be nil.
type AuthHandler struct {
	Sessions Sessions
	Cookies  gate.CookieConfig
	Operator *Operator

	CV           CaptchaVerifier
	Abuse        AbuseRecorder
	EmailLimiter Limiter
	EmailPolicy  ratelimit.Policy
	Audit        Auditor

	SessionTTL    time.Duration
	RememberMeTTL time.Duration

	RS HealthChecker
	PS HealthChecker
}

type loginResponse struct {
	UserID    string    `json:"user_id"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /login -- email + password (+ optional captcha).
// Returns 200 with user_id and csrf_token, 400 for a bad body or captcha,
// 401 for bad credentials, 429 when the email is throttled, 500 when no session can be stored.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RememberMe   bool   `json:"remember_me"`
		CaptchaToken string `json:"cf-turnstile-response"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, "error decoding request body")
		return
	}

	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	// Malformed credentials get the same answer as wrong ones.
	if ValidateEmail(in.Email) != "" || ValidatePassword(in.Password) != "" {
		Unauthorized(w, "invalid credentials")
		return
	}

	if h.EmailLimiter != nil {
		res := h.EmailLimiter.Check(r.Context(), "email:"+in.Email, h.EmailPolicy)
		if !res.Allowed {
			logWarn(r, "login throttled for email", "degraded", res.Degraded)
			gate.WriteDecision(w, gate.Decision{Reason: gate.ReasonRateLimited, RateLimit: &res})
			return
		}
	}

	if h.CV != nil {
		if err := h.CV.Verify(r.Context(), in.CaptchaToken, gate.ClientIP(r)); err != nil {
			if errors.Is(err, captcha.ErrRejected) {
				logInfo(r, "captcha rejected", "error", err)
				BadRequest(w, "captcha verification failed")
				return
			}
			logError(r, "captcha service unavailable", "error", err)
			ServiceUnavailable(w, "captcha verification unavailable")
			return
		}
	}

	op := h.Operator
	if op == nil || !emailMatches(in.Email, op.Email) {
		// Equalise timing with the known-email path.
		VerifyPassword(in.Password, dummyPasswordHash)
		h.loginFailed(r, "unknown_email")
		Unauthorized(w, "invalid credentials")
		return
	}

	valid, err := VerifyPassword(in.Password, op.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		h.loginFailed(r, "bad_password")
		Unauthorized(w, "invalid credentials")
		return
	}

	// A session presented at login is replaced, never upgraded.
	if old, ok := gate.SessionTokenFromContext(r.Context()); ok {
		if _, err := h.Sessions.Destroy(r.Context(), old); err != nil {
			logWarn(r, "failed to destroy previous session at login", "error", err)
		}
	}

	ttl := h.SessionTTL
	if in.RememberMe {
		ttl = h.RememberMeTTL
	}
	tokens, err := h.Sessions.Create(r.Context(), session.Payload{
		UserID:      op.UserID,
		Email:       op.Email,
		Permissions: op.Permissions,
	}, ttl)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	h.Cookies.SetSessionCookies(w, tokens.Session, tokens.CSRF, time.Until(tokens.ExpiresAt))
	logInfo(r, "operator logged in", "user_id", op.UserID, "remember_me", in.RememberMe)
	gate.WriteJSON(w, http.StatusOK, loginResponse{
		UserID:    op.UserID,
		CSRFToken: tokens.CSRF,
		ExpiresAt: tokens.ExpiresAt,
	})
}

// emailMatches compares in constant time; ValidateEmail already bounded both lengths.
func emailMatches(supplied, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(configured)) == 1
}

// loginFailed feeds the abuse detector and the audit log. Both are best-effort.
func (h *AuthHandler) loginFailed(r *http.Request, reason string) {
	ip := gate.ClientIP(r)
	logInfo(r, "login failed", "reason", reason)
	if h.Abuse != nil {
		if err := h.Abuse.RecordAbuseAttempt(r.Context(), ip, LoginAction, "bad_credentials"); err != nil {
			logWarn(r, "failed to record login abuse", "error", err)
		}
	}
	if h.Audit != nil {
		h.Audit.Record(r.Context(), audit.Event{
			Action:    audit.ActionLoginFailed,
			Route:     LoginAction,
			ClientID:  ip,
			UserAgent: r.UserAgent(),
			Metadata:  map[string]any{"reason": reason},
		})
	}
}

// Logout handles POST /logout -- ends the current session and clears cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := gate.SessionTokenFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	if _, err := h.Sessions.Destroy(r.Context(), token); err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Cookies.ClearSessionCookies(w)
	logInfo(r, "logged out")
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- ends every session of the caller's user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := gate.SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	n, err := h.Sessions.DestroyAllForUser(r.Context(), sess.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Cookies.ClearSessionCookies(w)
	logInfo(r, "logged out of all sessions", "user_id", sess.UserID, "sessions", n)
	gate.WriteJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		Revoked int64  `json:"sessions_revoked"`
	}{"logged out of all sessions", n})
}

// Refresh handles POST /session/refresh -- pushes expiry out by the session's own TTL
// and re-issues both cookies with the new lifetime.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := gate.SessionTokenFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	updated, err := h.Sessions.Update(r.Context(), token, session.Patch{}, true)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !updated {
		// Expired or evicted between the gate and here.
		h.Cookies.ClearSessionCookies(w)
		Unauthorized(w, "unauthorized")
		return
	}
	rec, err := h.Sessions.Get(r.Context(), token)
	if err != nil || rec == nil {
		ServiceUnavailable(w, "session store unavailable")
		return
	}
	h.Cookies.SetSessionCookies(w, token, rec.CSRFToken, rec.TTL)
	gate.WriteJSON(w, http.StatusOK, struct {
		ExpiresAt time.Time `json:"expires_at"`
	}{rec.ExpiresAt})
}

type sessionInfo struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Permissions  []string  `json:"permissions"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionInfo handles GET /session -- describes the caller's session.
// The CSRF token is never included.
func (h *AuthHandler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := gate.SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	gate.WriteJSON(w, http.StatusOK, sessionInfo{
		SessionID:    sess.ID.String(),
		UserID:       sess.UserID,
		Email:        sess.Email,
		Permissions:  sess.Permissions,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		ExpiresAt:    sess.ExpiresAt,
	})
}
