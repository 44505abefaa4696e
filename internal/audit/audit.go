// Package audit records gate rejections to the optional Postgres audit log.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Actions written to audit_events.action.
const (
	ActionCSRFRejected  = "csrf_rejected"
	ActionForbidden     = "forbidden"
	ActionRateLimited   = "rate_limited"
	ActionInternalError = "internal_error"
	ActionLoginFailed   = "login_failed"
)

// insertTimeout bounds one audit write.
const insertTimeout = 2 * time.Second

// DefaultQueueSize is how many entries may wait for the database before new
// ones are dropped.
const DefaultQueueSize = 256

// Sink persists audit entries.
// Satisfied by *store.PostgresStore.
type Sink interface {
	InsertAuditEvent(ctx context.Context, e store.AuditEntry) error
}

// Event is one auditable occurrence.
type Event struct {
	Action    string
	Route     string
	UserID    string
	ClientID  string
	UserAgent string
	Metadata  map[string]any
}

// Recorder queues events and writes them to a Sink from a background goroutine,
// so a slow database never holds up the response that produced the event.
// A Recorder with a nil sink discards events.
type Recorder struct {
	sink  Sink
	queue chan store.AuditEntry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithQueueSize sets the queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan store.AuditEntry, n)
		}
	}
}

// New returns a Recorder on sink and starts its writer. sink may be nil when no
// database is configured. Call Close to flush queued entries on shutdown.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{sink: sink}
	if sink == nil {
		return r
	}
	r.queue = make(chan store.AuditEntry, DefaultQueueSize)
	for _, opt := range opts {
		opt(r)
	}
	r.done = make(chan struct{})
	go r.run()
	return r
}

// Enabled reports whether events are persisted.
func (r *Recorder) Enabled() bool {
	return r != nil && r.sink != nil
}

// Record queues ev. It never blocks: when the queue is full or the Recorder is
// closed the event is logged and dropped. The audit trail never changes the
// outcome of the request that produced it.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if !r.Enabled() {
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		slog.WarnContext(ctx, "audit event dropped", "action", ev.Action, "error", err)
		return
	}

	var meta []byte
	if len(ev.Metadata) > 0 {
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			slog.WarnContext(ctx, "audit metadata not encodable", "action", ev.Action, "error", err)
			meta = nil
		}
	}

	entry := store.AuditEntry{
		ID:        id,
		Action:    ev.Action,
		Route:     ev.Route,
		UserID:    optional(ev.UserID),
		ClientID:  ev.ClientID,
		UserAgent: optional(ev.UserAgent),
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		slog.WarnContext(ctx, "audit event dropped, recorder closed", "action", ev.Action, "route", ev.Route)
		return
	}
	select {
	case r.queue <- entry:
	default:
		slog.WarnContext(ctx, "audit event dropped, queue full", "action", ev.Action, "route", ev.Route)
	}
}

// Close stops accepting events and waits until every queued entry is written.
// Safe to call more than once.
func (r *Recorder) Close() {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.sink.InsertAuditEvent(ctx, entry); err != nil {
			slog.Warn("audit event not recorded", "action", entry.Action, "route", entry.Route, "error", err)
		}
		cancel()
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
