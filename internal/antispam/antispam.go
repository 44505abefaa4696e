// Package antispam scores requests for automation and repeat behaviour.
//
// Every check here is advisory. Store failures resolve to the answer that
// lets the request through, and callers decide what a bad verdict costs.
package antispam

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/store"
)

// Backend defines the store operations the engine needs.
// Satisfied by *store.RedisSpamStore.
type Backend interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	AppendEvent(ctx context.Context, key string, ev store.AbuseEvent, retention time.Duration) error
	CountEventsSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error)
	ListEvents(ctx context.Context, key string) ([]store.AbuseEvent, error)
}

// Verdict is the result of a shape or timing check.
type Verdict struct {
	Valid  bool
	Reason string
}

func valid() Verdict { return Verdict{Valid: true} }

func invalid(reason string) Verdict { return Verdict{Reason: reason} }

// Verdict reasons.
const (
	ReasonMissingUserAgent = "missing_user_agent"
	ReasonShortUserAgent   = "short_user_agent"
	ReasonBotSignature     = "bot_signature"
	ReasonMissingTiming    = "missing_timing"
	ReasonNegativeTiming   = "negative_timing"
	ReasonTooFast          = "too_fast"
)

// minUserAgentLen is the shortest user agent a real browser plausibly sends.
const minUserAgentLen = 10

// botSignatures are matched case-insensitively as substrings of the user agent.
var botSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"httpclient",
	"okhttp",
	"headless",
	"phantomjs",
	"selenium",
	"puppeteer",
	"playwright",
}

// Config holds the engine's thresholds.
type Config struct {
	// TimingFloors maps an action to the minimum ms since page load.
	TimingFloors map[string]int64
	// DefaultTimingFloor applies to actions without an entry.
	DefaultTimingFloor int64

	AbuseRetention time.Duration
	AbuseWindow    time.Duration
	// AbuseThreshold is exclusive: a pattern is flagged once the count exceeds it.
	AbuseThreshold int64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TimingFloors: map[string]int64{
			"view":  5000,
			"share": 2000,
		},
		DefaultTimingFloor: 1000,
		AbuseRetention:     24 * time.Hour,
		AbuseWindow:        time.Hour,
		AbuseThreshold:     10,
	}
}

// Engine runs the anti-spam checks.
type Engine struct {
	backend Backend
	cfg     Config
	now     func() time.Time
}

// New returns an Engine on backend. Zero-valued Config fields take their defaults.
func New(backend Backend, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TimingFloors == nil {
		cfg.TimingFloors = def.TimingFloors
	}
	if cfg.DefaultTimingFloor <= 0 {
		cfg.DefaultTimingFloor = def.DefaultTimingFloor
	}
	if cfg.AbuseRetention <= 0 {
		cfg.AbuseRetention = def.AbuseRetention
	}
	if cfg.AbuseWindow <= 0 {
		cfg.AbuseWindow = def.AbuseWindow
	}
	if cfg.AbuseThreshold <= 0 {
		cfg.AbuseThreshold = def.AbuseThreshold
	}
	return &Engine{backend: backend, cfg: cfg, now: time.Now}
}

// WithClock swaps the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// ValidateRequestShape flags user agents that are missing, implausibly short,
// or carry a known automation signature.
func (e *Engine) ValidateRequestShape(userAgent string) Verdict {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return invalid(ReasonMissingUserAgent)
	}
	if len(ua) < minUserAgentLen {
		return invalid(ReasonShortUserAgent)
	}
	lower := strings.ToLower(ua)
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			return invalid(ReasonBotSignature)
		}
	}
	return valid()
}

// DedupKey returns the marker key for one (action, resource, session) triple.
func DedupKey(action, resourceID, sessionID string) string {
	return "dedup:" + action + ":" + resourceID + ":" + sessionID
}

// CheckSessionDuplication reports whether sessionID already performed action on
// resourceID within window. The first call in a window records the marker and
// returns false. Store failures return false.
func (e *Engine) CheckSessionDuplication(ctx context.Context, action, resourceID, sessionID string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	created, err := e.backend.MarkOnce(ctx, DedupKey(action, resourceID, sessionID), window)
	if err != nil {
		slog.WarnContext(ctx, "dedup store unavailable, treating as first occurrence",
			"action", action,
			"resource", resourceID,
			"error", err,
		)
		return false
	}
	return !created
}

// ValidateTiming rejects actions that arrive sooner after page load than a
// human plausibly could. Missing or negative timings are invalid.
func (e *Engine) ValidateTiming(action string, msSincePageLoad *int64) Verdict {
	if msSincePageLoad == nil {
		return invalid(ReasonMissingTiming)
	}
	if *msSincePageLoad < 0 {
		return invalid(ReasonNegativeTiming)
	}
	if *msSincePageLoad < e.TimingFloor(action) {
		return invalid(ReasonTooFast)
	}
	return valid()
}

// TimingFloor returns the minimum ms since page load for action.
func (e *Engine) TimingFloor(action string) int64 {
	if floor, ok := e.cfg.TimingFloors[action]; ok {
		return floor
	}
	return e.cfg.DefaultTimingFloor
}

// AbuseKey returns the sorted-set key holding identity's abuse log for action.
func AbuseKey(identity, action string) string {
	return "abuse:" + action + ":" + identity
}

// RecordAbuseAttempt appends reason to identity's abuse log for action.
func (e *Engine) RecordAbuseAttempt(ctx context.Context, identity, action, reason string) error {
	ev := store.AbuseEvent{At: e.now().UTC(), Reason: reason}
	if err := e.backend.AppendEvent(ctx, AbuseKey(identity, action), ev, e.cfg.AbuseRetention); err != nil {
		slog.WarnContext(ctx, "abuse attempt not recorded",
			"identity", identity,
			"action", action,
			"reason", reason,
			"error", err,
		)
		return err
	}
	return nil
}

// DetectAbusePattern reports whether identity logged more than the threshold of
// abuse attempts for action within the trailing window. Store failures return false.
func (e *Engine) DetectAbusePattern(ctx context.Context, identity, action string) bool {
	now := e.now()
	n, err := e.backend.CountEventsSince(ctx, AbuseKey(identity, action),
		now.Add(-e.cfg.AbuseWindow), now.Add(-e.cfg.AbuseRetention))
	if err != nil {
		slog.WarnContext(ctx, "abuse store unavailable, pattern not evaluated",
			"identity", identity,
			"action", action,
			"error", err,
		)
		return false
	}
	return n > e.cfg.AbuseThreshold
}

// AbuseHistory returns identity's retained abuse log for action, oldest first.
func (e *Engine) AbuseHistory(ctx context.Context, identity, action string) ([]store.AbuseEvent, error) {
	return e.backend.ListEvents(ctx, AbuseKey(identity, action))
}
