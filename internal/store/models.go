// models.go -- Shared domain types for the store package.
// Used by the Redis backing store (sessions, counters, abuse records) and the
// optional Postgres audit log.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCorruptRecord is returned when a stored value exists but cannot be decoded.
// Unlike a miss or an outage, this is never expected and is surfaced to the caller.
var ErrCorruptRecord = errors.New("corrupt stored record")

// ErrUpdateContended is returned by UpdateSession when every optimistic attempt
// lost a race with another writer on the same session.
var ErrUpdateContended = errors.New("session update contended")

// SessionRecord is the JSON shape stored in Redis for one active login.
// The raw session token is never stored; the key is derived from its SHA-256 hash.
type SessionRecord struct {
	ID           uuid.UUID     `json:"id"`
	UserID       string        `json:"user_id"`
	Email        string        `json:"email"`
	Permissions  []string      `json:"permissions"`
	CSRFToken    string        `json:"csrf_token"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	ExpiresAt    time.Time     `json:"expires_at"`
	TTL          time.Duration `json:"ttl"`
}

// HasPermission reports whether the record carries any of wanted, or the universal admin permission.
// An empty wanted list is always satisfied.
func (s *SessionRecord) HasPermission(wanted ...string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, have := range s.Permissions {
		if have == PermissionAdmin {
			return true
		}
		for _, w := range wanted {
			if have == w {
				return true
			}
		}
	}
	return false
}

// PermissionAdmin satisfies every permission requirement.
const PermissionAdmin = "admin"

// AbuseEvent is one entry of an abuse record sorted set.
type AbuseEvent struct {
	At     time.Time
	Reason string
}

// AuditEntry represents a row in the audit_events table.
// UserID is nil when the request carried no resolvable session.
// Metadata holds optional event context as a raw JSON blob (e.g. retry_after, session_id).
type AuditEntry struct {
	ID        uuid.UUID
	Action    string
	Route     string
	UserID    *string
	ClientID  string
	UserAgent *string
	Metadata  []byte
	CreatedAt time.Time
}
