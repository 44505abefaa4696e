// turnstile_test.go -- unit tests for TurnstileVerifier.Verify.
package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func siteverify(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("secret") != "test-secret" {
			t.Errorf("secret: got %q", r.PostForm.Get("secret"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstileVerifier_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("success response returns nil", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, `{"success":true,"action":"login"}`)
		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL))
		if err := v.Verify(ctx, "token", "127.0.0.1"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("rejected token wraps ErrRejected with error code", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response"]}`)
		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL))
		err := v.Verify(ctx, "bad-token", "127.0.0.1")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid-input-response") {
			t.Errorf("expected error to mention error code, got %q", err.Error())
		}
	})

	t.Run("action mismatch is rejected", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, `{"success":true,"action":"signup"}`)
		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL), WithAction("login"))
		if err := v.Verify(ctx, "token", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
	})

	t.Run("empty token is rejected without a request", func(t *testing.T) {
		v := NewTurnstileVerifier("test-secret", WithEndpoint("http://127.0.0.1:1"))
		if err := v.Verify(ctx, "", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
	})

	t.Run("network error is not a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // closed before request is sent

		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL))
		err := v.Verify(ctx, "token", "127.0.0.1")
		if err == nil {
			t.Fatal("expected non-nil error for closed server, got nil")
		}
		if errors.Is(err, ErrRejected) {
			t.Error("network error must not be reported as a rejection")
		}
	})

	t.Run("non-200 returns error", func(t *testing.T) {
		srv := siteverify(t, http.StatusBadGateway, `{}`)
		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL))
		if err := v.Verify(ctx, "token", ""); err == nil || errors.Is(err, ErrRejected) {
			t.Errorf("expected non-rejection error, got %v", err)
		}
	})

	t.Run("malformed JSON returns error", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, "not json")
		v := NewTurnstileVerifier("test-secret", WithEndpoint(srv.URL))
		if err := v.Verify(ctx, "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for malformed JSON, got nil")
		}
	})
}
