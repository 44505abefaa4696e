package main

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MGallo-Code/warden/internal/antispam"
	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/captcha"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/engagement"
	"github.com/MGallo-Code/warden/internal/gate"
	"github.com/MGallo-Code/warden/internal/ratelimit"
	"github.com/MGallo-Code/warden/internal/session"
	"github.com/MGallo-Code/warden/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// `warden hash-password` reads a password on stdin and prints ADMIN_PASSWORD_HASH.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if msg := auth.ValidatePassword(password); msg != "" {
		return errors.New(msg)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// Postgres only backs the audit log; without it every audit write is a no-op.
	var ps *store.PostgresStore
	if cfg.DatabaseURL != "" {
		var err error
		ps, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up postgres store: %w", err)
		}
		defer ps.Close()

		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		applied, err := ps.Migrate(ctx, migrationsFS)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("migrations complete", "applied", applied)
	} else {
		slog.Warn("DATABASE_URL not set, audit log disabled")
	}

	// Shared Redis client; all Redis stores share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	handler, closeApp, err := newApp(cfg, rdb, ps, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	// Runs before ps.Close so queued audit entries reach Postgres.
	defer closeApp()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Audit retention loop; cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	if ps != nil && cfg.AuditRetention > 0 {
		go pruneAuditLog(cleanupCtx, ps, cfg.AuditRetention, 24*time.Hour)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String(), "env", cfg.AppEnv)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// auditPruner is the slice of *store.PostgresStore the retention loop needs.
type auditPruner interface {
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// pruneAuditLog deletes audit rows older than retention every interval until ctx ends.
func pruneAuditLog(ctx context.Context, p auditPruner, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := p.DeleteAuditEventsBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Warn("audit cleanup failed", "error", err)
			} else {
				slog.Info("audit cleanup complete", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// newApp builds every component over rdb (and ps, which may be nil) and returns the
// router plus a func that flushes background writers. Call it after the server stops.
// Gate collectors register on reg; /metrics serves gatherer.
func newApp(cfg *config.Config, rdb *redis.Client, ps *store.PostgresStore, reg prometheus.Registerer, gatherer prometheus.Gatherer) (http.Handler, func(), error) {
	rs := store.NewRedisStore(rdb, cfg.StoreTimeout)
	spamStore := store.NewRedisSpamStore(rdb, cfg.StoreTimeout)

	sessions := session.New(rs)
	limiter := ratelimit.New(store.NewRedisRateLimiter(rdb, cfg.StoreTimeout))
	engine := antispam.New(spamStore, antispam.DefaultConfig())

	metrics, err := gate.NewMetrics(gate.MetricsOptions{Registerer: reg})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	// Interfaces below must stay nil, not hold a nil *PostgresStore.
	var (
		auditSink audit.Sink
		auditLog  engagement.AuditLog
		pgHealth  auth.HealthChecker
	)
	if ps != nil {
		auditSink, auditLog, pgHealth = ps, ps, ps
	}
	recorder := audit.New(auditSink, audit.WithQueueSize(cfg.AuditQueueSize))

	cookies := gate.DefaultCookieConfig()
	cookies.Domain = cfg.CookieDomain
	cookies.Secure = cfg.CookieSecure
	cookies.Production = cfg.Production()

	g := gate.New(sessions, limiter, engine,
		gate.WithAuditor(recorder),
		gate.WithMetrics(metrics),
		gate.WithCookies(cookies),
	)

	h := &auth.AuthHandler{
		Sessions:     sessions,
		Cookies:      cookies,
		Operator:     auth.NewOperator(cfg.AdminEmail, cfg.AdminPasswordHash),
		Abuse:        engine,
		EmailLimiter: limiter,
		EmailPolicy: ratelimit.Policy{
			Name:       "login-email",
			Limit:      cfg.RateLogin.Limit,
			Window:     cfg.RateLogin.Window,
			FailClosed: true,
		},
		Audit:         recorder,
		SessionTTL:    cfg.SessionTTL,
		RememberMeTTL: cfg.SessionRememberMe,
		RS:            rs,
		PS:            pgHealth,
	}
	if h.Operator == nil {
		slog.Warn("ADMIN_EMAIL not set, login disabled")
	}
	if cfg.TurnstileSecret != "" {
		h.CV = captcha.NewTurnstileVerifier(cfg.TurnstileSecret, captcha.WithAction(auth.LoginAction))
	}

	eh := &engagement.Handler{
		Spam:        engine,
		Counters:    spamStore,
		Audit:       auditLog,
		DedupWindow: cfg.DedupWindow,
	}

	return buildRouter(cfg, g, h, eh, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})), recorder.Close, nil
}

// buildRouter wires all routes and middleware.
// Every route except /health and /metrics runs behind the gate; routes are
// registered for all methods so the gate answers 405 itself.
func buildRouter(cfg *config.Config, g *gate.Gate, h *auth.AuthHandler, eh *engagement.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// Forwarded client addresses are only believed from TRUSTED_PROXIES.
	r.Use(gate.RealIP(cfg.TrustedProxies))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", metrics)

	post := gate.Methods(http.MethodPost)
	api := gate.RateLimited(cfg.RateAPI, "api")

	// Login: no session exists yet, so no CSRF token can exist either.
	r.Handle("/login", g.ProtectFunc(gate.NewRoute("login",
		gate.Optional(), gate.WithoutCSRF(), gate.WithoutActivityTouch(), post,
		gate.RateLimited(cfg.RateLogin, auth.LoginAction),
	), h.Login))

	r.Handle("/logout", g.ProtectFunc(gate.NewRoute("logout", post, api, gate.WithoutActivityTouch()), h.Logout))
	r.Handle("/logout-all", g.ProtectFunc(gate.NewRoute("logout-all", post, api, gate.WithoutActivityTouch()), h.LogoutAll))
	r.Handle("/session/refresh", g.ProtectFunc(gate.NewRoute("session-refresh", post, api, gate.WithoutActivityTouch()), h.Refresh))
	r.Handle("/session", g.ProtectFunc(gate.NewRoute("session",
		gate.Methods(http.MethodGet, http.MethodHead), api,
	), h.SessionInfo))

	r.Mount("/engagement", eh.Routes(g, cfg.RateEngagement))
	r.Mount("/admin", eh.AdminRoutes(g))

	return r
}
