// responses.go -- JSON rejection bodies and quota headers.
//
// Messages come from a fixed table; no request data is ever echoed.
package gate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/ratelimit"
)

// ErrorBody is the JSON shape of every rejection.
type ErrorBody struct {
	Code       Reason `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// WriteDecision writes the rejection response for d.
func WriteDecision(w http.ResponseWriter, d Decision) {
	body := ErrorBody{Code: d.Reason, Message: d.Reason.Message()}

	switch d.Reason {
	case ReasonMethodNotAllowed:
		w.Header().Set("Allow", strings.Join(d.AllowedMethods, ", "))
	case ReasonRateLimited:
		retry := 1
		if d.RateLimit != nil {
			retry = d.RateLimit.RetryAfter(time.Now())
		}
		body.RetryAfter = retry
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	WriteJSON(w, d.Reason.Status(), body)
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setQuotaHeaders advertises the caller's quota for the route's policy.
func setQuotaHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
