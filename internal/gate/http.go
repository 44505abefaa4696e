// http.go -- HTTP adapter: request extraction, cookies, context injection.
package gate

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
)

// CSRFHeader carries the CSRF token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CookieConfig controls the session and CSRF cookies.
type CookieConfig struct {
	SessionName string
	CSRFName    string
	Domain      string
	Secure      bool
	// Production selects SameSite=Strict; otherwise Lax.
	Production bool
}

// DefaultCookieConfig returns secure cookies named session and csrf_token.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		SessionName: "session",
		CSRFName:    "csrf_token",
		Secure:      true,
	}
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.Production {
		return http.SameSiteStrictMode
	}
	return http.SameSiteLaxMode
}

// SessionCookie builds the HttpOnly session cookie for token, living ttl.
func (c CookieConfig) SessionCookie(token string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     c.SessionName,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.sameSite(),
	}
}

// CSRFCookie builds the script-readable CSRF cookie. Same attributes as the
// session cookie except HttpOnly.
func (c CookieConfig) CSRFCookie(token string, ttl time.Duration) *http.Cookie {
	ck := c.SessionCookie(token, ttl)
	ck.Name = c.CSRFName
	ck.HttpOnly = false
	return ck
}

// SetSessionCookies writes both cookies.
func (c CookieConfig) SetSessionCookies(w http.ResponseWriter, sessionToken, csrfToken string, ttl time.Duration) {
	http.SetCookie(w, c.SessionCookie(sessionToken, ttl))
	http.SetCookie(w, c.CSRFCookie(csrfToken, ttl))
}

// ClearSessionCookies expires both cookies.
func (c CookieConfig) ClearSessionCookies(w http.ResponseWriter) {
	for _, ck := range []*http.Cookie{c.SessionCookie("", 0), c.CSRFCookie("", 0)} {
		ck.MaxAge = -1
		http.SetCookie(w, ck)
	}
}

// FromHTTP extracts the gate's view of r. The session token comes from an
// Authorization Bearer header, falling back to the session cookie; the CSRF
// token from the X-CSRF-Token header, falling back to the CSRF cookie.
func (c CookieConfig) FromHTTP(r *http.Request) Request {
	req := Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	req.SessionToken = bearerToken(r)
	if req.SessionToken == "" {
		if ck, err := r.Cookie(c.SessionName); err == nil {
			req.SessionToken = ck.Value
		}
	}

	req.CSRFToken = r.Header.Get(CSRFHeader)
	if req.CSRFToken == "" {
		if ck, err := r.Cookie(c.CSRFName); err == nil {
			req.CSRFToken = ck.Value
		}
	}
	return req
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClientIP returns r.RemoteAddr without its port. Run behind RealIP so
// addresses forwarded by trusted proxies are used.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealIP rewrites r.RemoteAddr to the client address reported by X-Forwarded-For
// or X-Real-IP, but only when the direct peer falls inside trusted. Requests from
// any other peer keep their socket address, so clients cannot pick their own IP.
//
// X-Forwarded-For is read right to left, skipping trusted hops; the first
// untrusted address is the client.
func RealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) > 0 && isTrusted(trusted, ClientIP(r)) {
				if ip := forwardedClient(trusted, r.Header); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isTrusted(trusted []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedClient(trusted []netip.Prefix, h http.Header) string {
	if xff := h.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var leftmost string
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// Nothing left of a malformed hop can be believed; keep the peer.
				return ""
			}
			ip := addr.Unmap().String()
			if !isTrusted(trusted, ip) {
				return ip
			}
			leftmost = ip
		}
		if leftmost != "" {
			return leftmost
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(h.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return ""
}

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const (
	sessionKey      contextKey = "session"
	sessionTokenKey contextKey = "session_token"
)

// SessionFromContext returns the session the gate resolved for this request.
// Returns nil and false on anonymous requests or outside Protect.
func SessionFromContext(ctx context.Context) (*store.SessionRecord, bool) {
	sess, ok := ctx.Value(sessionKey).(*store.SessionRecord)
	return sess, ok && sess != nil
}

// SessionTokenFromContext returns the raw session token of the resolved session.
func SessionTokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(sessionTokenKey).(string)
	return tok, ok && tok != ""
}

// Protect wraps next with the gate for route.
func (g *Gate) Protect(route Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := g.cookies.FromHTTP(r)
		d := g.Evaluate(r.Context(), req, route)

		if d.RateLimit != nil {
			setQuotaHeaders(w, *d.RateLimit)
		}

		if !d.Allow {
			switch d.Reason {
			case ReasonAuthError:
				logError(r, "gate rejected request", "route", route.Name, "reason", d.Reason)
			case ReasonUnauthorized, ReasonMethodNotAllowed:
				// Routine; not worth a warning per request.
			default:
				logWarn(r, "gate rejected request", "route", route.Name, "reason", d.Reason)
			}
			WriteDecision(w, d)
			return
		}

		ctx := r.Context()
		if d.Session != nil {
			ctx = context.WithValue(ctx, sessionKey, d.Session)
			ctx = context.WithValue(ctx, sessionTokenKey, req.SessionToken)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProtectFunc is Protect for a HandlerFunc.
func (g *Gate) ProtectFunc(route Route, next http.HandlerFunc) http.Handler {
	return g.Protect(route, next)
}
