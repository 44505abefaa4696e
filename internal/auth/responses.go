// responses.go -- Package-wide HTTP response helpers.
//
// Bodies share the gate's {code, message} shape. No user-controlled input is
// ever echoed back.
package auth

import (
	"net/http"

	"github.com/MGallo-Code/warden/internal/gate"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InternalServerError logs err and returns a generic 500 JSON response.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	gate.WriteJSON(w, http.StatusInternalServerError, errorBody{"INTERNAL_ERROR", "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, message string) {
	gate.WriteJSON(w, http.StatusBadRequest, errorBody{"BAD_REQUEST", message})
}

// Unauthorized returns a 401 JSON response.
// Keep message generic so callers can't tell which credential was wrong.
func Unauthorized(w http.ResponseWriter, message string) {
	gate.WriteJSON(w, http.StatusUnauthorized, errorBody{string(gate.ReasonUnauthorized), message})
}

// ServiceUnavailable returns a 503 JSON response.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	gate.WriteJSON(w, http.StatusServiceUnavailable, errorBody{"UNAVAILABLE", message})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	gate.WriteJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
	}{message})
}
