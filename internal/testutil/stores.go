// stores.go
//
// Shared mock implementations of the backing-store interfaces consumed by
// session, ratelimit, antispam, gate and the HTTP handlers.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
)

// ErrUnavailable is a stand-in for a Redis/Postgres outage.
var ErrUnavailable = errors.New("connection refused")

// MockSessionBackend implements session.Backend for tests.
// Always stateful...Sessions is a map, like a real store. TTLs are recorded, not enforced.
// Use *Err fields to inject errors for specific operations.
type MockSessionBackend struct {
	// Error injection...zero value means no error
	SetSessionErr        error
	GetSessionErr        error
	UpdateSessionErr     error
	DeleteSessionErr     error
	DeleteAllSessionsErr error

	Sessions map[string]*store.SessionRecord // keyed by base64 token hash
	TTLs     map[string]time.Duration

	mu sync.Mutex
}

// NewMockSessionBackend returns an empty MockSessionBackend ready for use.
func NewMockSessionBackend() *MockSessionBackend {
	return &MockSessionBackend{
		Sessions: make(map[string]*store.SessionRecord),
		TTLs:     make(map[string]time.Duration),
	}
}

func (m *MockSessionBackend) SetSession(_ context.Context, keyHash string, rec store.SessionRecord, ttl time.Duration) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	r := rec
	m.Sessions[keyHash] = &r
	m.TTLs[keyHash] = ttl
	return nil
}

func (m *MockSessionBackend) GetSession(_ context.Context, keyHash string) (*store.SessionRecord, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Sessions[keyHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	// Copy so callers can't mutate the stored record behind the mock's back.
	r := *rec
	r.Permissions = append([]string(nil), rec.Permissions...)
	return &r, nil
}

// UpdateSession runs mutate on a copy of the record under the mock's lock.
func (m *MockSessionBackend) UpdateSession(_ context.Context, keyHash string, mutate store.SessionMutation) (bool, error) {
	if m.UpdateSessionErr != nil {
		return false, m.UpdateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	cur, ok := m.Sessions[keyHash]
	if !ok {
		return false, nil
	}
	r := *cur
	r.Permissions = append([]string(nil), cur.Permissions...)
	ttl, err := mutate(&r)
	if errors.Is(err, store.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.Sessions[keyHash] = &r
	if ttl > 0 {
		m.TTLs[keyHash] = ttl
	}
	return true, nil
}

func (m *MockSessionBackend) DeleteSession(_ context.Context, keyHash string, _ string) (bool, error) {
	if m.DeleteSessionErr != nil {
		return false, m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Sessions[keyHash]
	delete(m.Sessions, keyHash)
	delete(m.TTLs, keyHash)
	return ok, nil
}

func (m *MockSessionBackend) DeleteAllUserSessions(_ context.Context, userID string) (int64, error) {
	if m.DeleteAllSessionsErr != nil {
		return 0, m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.Sessions {
		if rec.UserID == userID {
			delete(m.Sessions, key)
			delete(m.TTLs, key)
			n++
		}
	}
	return n, nil
}

// Put seeds a record directly (bypasses SetSessionErr).
func (m *MockSessionBackend) Put(keyHash string, rec store.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	r := rec
	m.Sessions[keyHash] = &r
}

// Len returns the number of stored sessions.
func (m *MockSessionBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

func (m *MockSessionBackend) init() {
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.SessionRecord)
	}
	if m.TTLs == nil {
		m.TTLs = make(map[string]time.Duration)
	}
}

// MockCounter implements ratelimit.Counter for tests.
// Counts per key; TTLs are recorded on the first hit only, like the real store.
type MockCounter struct {
	IncrementErr error

	Counts map[string]int64
	TTLs   map[string]time.Duration
	Calls  int

	mu sync.Mutex
}

// NewMockCounter returns an empty MockCounter ready for use.
func NewMockCounter() *MockCounter {
	return &MockCounter{
		Counts: make(map[string]int64),
		TTLs:   make(map[string]time.Duration),
	}
}

func (m *MockCounter) IncrementWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.IncrementErr != nil {
		return 0, m.IncrementErr
	}
	if m.Counts == nil {
		m.Counts = make(map[string]int64)
		m.TTLs = make(map[string]time.Duration)
	}
	m.Counts[key]++
	if m.Counts[key] == 1 {
		m.TTLs[key] = ttl
	}
	return m.Counts[key], nil
}

// MockSpamStore implements antispam.Backend and the engagement counter store for tests.
// Markers never expire; events are kept in insertion order.
type MockSpamStore struct {
	// Error injection...zero value means no error
	MarkOnceErr    error
	AppendEventErr error
	CountEventsErr error
	ListEventsErr  error
	IncrementErr   error
	GetCounterErr  error

	Markers  map[string]time.Duration
	Events   map[string][]store.AbuseEvent
	Counters map[string]int64

	mu sync.Mutex
}

// NewMockSpamStore returns an empty MockSpamStore ready for use.
func NewMockSpamStore() *MockSpamStore {
	return &MockSpamStore{
		Markers:  make(map[string]time.Duration),
		Events:   make(map[string][]store.AbuseEvent),
		Counters: make(map[string]int64),
	}
}

func (m *MockSpamStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if m.MarkOnceErr != nil {
		return false, m.MarkOnceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, ok := m.Markers[key]; ok {
		return false, nil
	}
	m.Markers[key] = ttl
	return true, nil
}

func (m *MockSpamStore) AppendEvent(_ context.Context, key string, ev store.AbuseEvent, _ time.Duration) error {
	if m.AppendEventErr != nil {
		return m.AppendEventErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.Events[key] = append(m.Events[key], ev)
	return nil
}

func (m *MockSpamStore) CountEventsSince(_ context.Context, key string, since, _ time.Time) (int64, error) {
	if m.CountEventsErr != nil {
		return 0, m.CountEventsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.Events[key] {
		if !ev.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MockSpamStore) ListEvents(_ context.Context, key string) ([]store.AbuseEvent, error) {
	if m.ListEventsErr != nil {
		return nil, m.ListEventsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.AbuseEvent(nil), m.Events[key]...), nil
}

func (m *MockSpamStore) IncrementCounter(_ context.Context, key string) (int64, error) {
	if m.IncrementErr != nil {
		return 0, m.IncrementErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.Counters[key]++
	return m.Counters[key], nil
}

func (m *MockSpamStore) GetCounter(_ context.Context, key string) (int64, error) {
	if m.GetCounterErr != nil {
		return 0, m.GetCounterErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[key], nil
}

// EventCount returns how many events were appended under key.
func (m *MockSpamStore) EventCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events[key])
}

func (m *MockSpamStore) init() {
	if m.Markers == nil {
		m.Markers = make(map[string]time.Duration)
	}
	if m.Events == nil {
		m.Events = make(map[string][]store.AbuseEvent)
	}
	if m.Counters == nil {
		m.Counters = make(map[string]int64)
	}
}

// MockAuditSink implements gate.AuditSink for tests.
type MockAuditSink struct {
	InsertErr error

	Entries []store.AuditEntry

	mu sync.Mutex
}

func (m *MockAuditSink) InsertAuditEvent(_ context.Context, e store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Entries = append(m.Entries, e)
	return nil
}

// Actions returns the recorded audit actions in order.
func (m *MockAuditSink) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Action
	}
	return out
}
