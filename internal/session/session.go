// Package session owns session lifecycle and the paired CSRF token.
//
// Callers only ever hold opaque tokens; records live in the backing store
// keyed by the SHA-256 hash of the session token. Reads fail closed: an
// unreachable store makes every session look absent.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// DefaultTTL applies when Create is called with a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// ErrStoreUnavailable is returned by Create when the backing store cannot persist the session.
// Login must treat it as fatal.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Backend defines the backing-store operations the session store needs.
// Satisfied by *store.RedisStore -- defined here (at consumer) per Go convention.
type Backend interface {
	SetSession(ctx context.Context, keyHash string, rec store.SessionRecord, ttl time.Duration) error
	GetSession(ctx context.Context, keyHash string) (*store.SessionRecord, error)
	UpdateSession(ctx context.Context, keyHash string, mutate store.SessionMutation) (bool, error)
	DeleteSession(ctx context.Context, keyHash string, userID string) (bool, error)
	DeleteAllUserSessions(ctx context.Context, userID string) (int64, error)
}

// Payload is the identity a session is created for.
type Payload struct {
	UserID      string
	Email       string
	Permissions []string
}

// Patch carries the fields Update may change. Nil fields are left untouched.
type Patch struct {
	Email       *string
	Permissions []string
}

// Tokens are handed to the client once, at creation. Neither is recoverable later.
type Tokens struct {
	Session   string
	CSRF      string
	ExpiresAt time.Time
}

// Store manages sessions on top of a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// New returns a Store on backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// WithClock swaps the time source (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// GenerateToken returns a 256-bit random token, base64 RawURL encoded.
func GenerateToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating token with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// KeyHash derives the storage key for a session token.
func KeyHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Create issues a new session and its paired CSRF token.
func (s *Store) Create(ctx context.Context, p Payload, ttl time.Duration) (Tokens, error) {
	if p.UserID == "" {
		return Tokens{}, errors.New("creating session: missing user id")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	sessionToken, err := GenerateToken()
	if err != nil {
		return Tokens{}, fmt.Errorf("creating session: %w", err)
	}
	csrfToken, err := GenerateToken()
	if err != nil {
		return Tokens{}, fmt.Errorf("creating session: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("creating session id: %w", err)
	}

	now := s.now().UTC()
	rec := store.SessionRecord{
		ID:           id,
		UserID:       p.UserID,
		Email:        p.Email,
		Permissions:  normalizePermissions(p.Permissions),
		CSRFToken:    csrfToken,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}

	if err := s.backend.SetSession(ctx, KeyHash(sessionToken), rec, ttl); err != nil {
		return Tokens{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	slog.DebugContext(ctx, "session created", "session_id", rec.ID, "user_id", rec.UserID, "ttl", ttl)
	return Tokens{Session: sessionToken, CSRF: csrfToken, ExpiresAt: rec.ExpiresAt}, nil
}

// Get returns the session for token, or nil if it is unknown, expired or the
// store is unreachable. The three cases are deliberately indistinguishable.
// A non-nil error means the stored record is corrupt.
func (s *Store) Get(ctx context.Context, token string) (*store.SessionRecord, error) {
	if token == "" {
		return nil, nil
	}
	rec, err := s.backend.GetSession(ctx, KeyHash(token))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCacheMiss):
			return nil, nil
		case errors.Is(err, store.ErrCorruptRecord):
			return nil, err
		default:
			slog.WarnContext(ctx, "session lookup failed, treating as absent", "error", err)
			return nil, nil
		}
	}
	// TTL expiry already handles stale keys; this guards clock skew between hosts.
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

// Update applies patch and touches LastActivity.
// extendExpiry=false keeps the current expiry; true pushes it to now + the session TTL.
// The patch is applied to the record as it is at write time, so a concurrent
// refresh is never rolled back by a touch.
// Returns false if the session no longer exists.
func (s *Store) Update(ctx context.Context, token string, patch Patch, extendExpiry bool) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := s.backend.UpdateSession(ctx, KeyHash(token), func(rec *store.SessionRecord) (time.Duration, error) {
		now := s.now().UTC()
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			return 0, store.ErrCacheMiss
		}

		rec.LastActivity = now
		if patch.Email != nil {
			rec.Email = *patch.Email
		}
		if patch.Permissions != nil {
			rec.Permissions = normalizePermissions(patch.Permissions)
		}
		if !extendExpiry {
			return 0, nil
		}

		ttl := rec.TTL
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		rec.ExpiresAt = now.Add(ttl)
		return ttl, nil
	})
	if err != nil {
		return false, fmt.Errorf("updating session: %w", err)
	}
	return ok, nil
}

// ValidateCSRF reports whether supplied matches the CSRF token paired with the session.
// Any lookup failure yields false.
func (s *Store) ValidateCSRF(ctx context.Context, token, supplied string) bool {
	if supplied == "" {
		return false
	}
	rec, err := s.Get(ctx, token)
	if err != nil || rec == nil {
		return false
	}
	return ValidateCSRFToken(supplied, rec.CSRFToken)
}

// ValidateCSRFToken compares two CSRF tokens in constant time.
func ValidateCSRFToken(provided, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}

// Destroy deletes the session. Destroying a session that does not exist returns false.
func (s *Store) Destroy(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	keyHash := KeyHash(token)

	// Look up the owner so the per-user tracking set stays in sync; a miss still deletes.
	var userID string
	if rec, err := s.backend.GetSession(ctx, keyHash); err == nil {
		userID = rec.UserID
	}

	deleted, err := s.backend.DeleteSession(ctx, keyHash, userID)
	if err != nil {
		return false, fmt.Errorf("destroying session: %w", err)
	}
	return deleted, nil
}

// DestroyAllForUser deletes every session belonging to userID.
func (s *Store) DestroyAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.backend.DeleteAllUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("destroying user sessions: %w", err)
	}
	return n, nil
}

// normalizePermissions drops empties and duplicates, keeping first-seen order.
func normalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
