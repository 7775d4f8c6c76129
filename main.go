package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/portcullis/internal/apikey"
	"github.com/MGallo-Code/portcullis/internal/auth"
	"github.com/MGallo-Code/portcullis/internal/config"
	"github.com/MGallo-Code/portcullis/internal/cookie"
	"github.com/MGallo-Code/portcullis/internal/events"
	"github.com/MGallo-Code/portcullis/internal/metrics"
	"github.com/MGallo-Code/portcullis/internal/ratelimit"
	"github.com/MGallo-Code/portcullis/internal/session"
	"github.com/MGallo-Code/portcullis/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// readOnlyPollInterval is how often the database is asked whether it is in recovery.
const readOnlyPollInterval = 30 * time.Second

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb, broker) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// backend is the persistence every component shares. Satisfied by *store.PostgresStore.
type backend interface {
	session.Repository
	apikey.Store
	auth.Store
}

// components are the long-lived objects run() wires together.
type components struct {
	provider *auth.Provider
	metrics  *metrics.Metrics
}

// newComponents builds the session engine, key validator and provider over db and counters.
// Called from run() and from router tests with in-memory stores.
func newComponents(cfg *config.Config, db backend, counters ratelimit.CounterStore, gate *store.ReadOnlyGate, emitter events.Emitter, reg *prometheus.Registry) (*components, error) {
	m := metrics.New(reg)

	codec, err := cookie.NewCodec([]byte(cfg.SessionSecret), cfg.SessionCookieName, cfg.AllowLegacyCookies)
	if err != nil {
		return nil, fmt.Errorf("building cookie codec: %w", err)
	}

	// Last-seen throttling stays in-process: it only bounds write volume per replica.
	throttle, err := ratelimit.NewMemoryStore(0)
	if err != nil {
		return nil, fmt.Errorf("building throttle store: %w", err)
	}
	limiter := ratelimit.NewLimiter(counters, m)

	engine := session.NewEngine(db, session.Config{
		MaximumSessionAge:      cfg.MaximumSessionAge,
		RotationGraceWindow:    cfg.RotationGraceWindow,
		IdleExpiry:             cfg.SessionIdleExpiry,
		MaxLiveSessionsPerUser: cfg.MaxLiveSessionsPerUser,
	},
		session.WithReadOnlyGate(gate),
		session.WithEmitter(emitter),
		session.WithObserver(m),
	)

	keys := apikey.NewValidator(db, limiter, apikey.Limits{
		AdminPerMinute: cfg.MaxAdminAPIRequestsPerMinute,
		UserPerDay:     cfg.MaxUserAPIRequestsPerDay,
		UserPerMinute:  cfg.MaxUserAPIRequestsPerMinute,
	},
		apikey.WithReadOnlyGate(gate),
		apikey.WithObserver(m),
	)

	p := &auth.Provider{
		Users:    db,
		Sessions: engine,
		Keys:     keys,
		Codec:    codec,
		Limiter:  limiter,
		Throttle: ratelimit.NewLimiter(throttle, nil),
		Gate:     gate,
		Observer: m,
		Options: auth.Options{
			Cookie: auth.CookieConfig{
				Name:     cfg.SessionCookieName,
				Domain:   cfg.CookieDomain,
				Secure:   cfg.SecureCookies(),
				SameSite: cfg.SameSite(),
				MaxAge:   cfg.SessionIdleExpiry,
			},
			Forwarded:               apikey.ForwardedPolicy{Trust: cfg.TrustForwardedFor, Proxies: cfg.Proxies},
			CookieAttemptsPerMinute: cfg.AuthCookieAttemptsPerMinute,
			BootstrapAdmin:          cfg.BootstrapAdmin,
			DeveloperEmails:         cfg.DeveloperEmails,
		},
	}
	return &components{provider: p, metrics: m}, nil
}

// newPublisher picks event delivery: AMQP (queued through Redis when available) or the log.
// The returned close func is never nil.
func newPublisher(ctx context.Context, cfg *config.Config, rdb *redis.Client) (events.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		slog.Info("no AMQP_URL, lifecycle events go to the log")
		return events.LogPublisher{}, func() {}, nil
	}
	broker, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	closeBroker := func() {
		if err := broker.Close(); err != nil {
			slog.Warn("closing broker", "error", err)
		}
	}
	if rdb == nil {
		return broker, closeBroker, nil
	}
	q := events.NewQueuedPublisher(broker, rdb, cfg.EventQueueMax)
	workerCtx, stopWorker := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.StartWorker(workerCtx)
	}()
	// Stop the worker before the broker it delivers to goes away
	return q, func() {
		stopWorker()
		<-done
		closeBroker()
	}, nil
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	gate := store.NewReadOnlyGate(cfg.ReadOnly)

	// Create new postgres store, return errors if any
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, gate)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	// Close at end of run func
	defer ps.Close()

	// Migrations are writes; a standby already has the schema.
	if !gate.Enabled() {
		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := ps.Migrate(ctx, migrationsFS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	} else {
		slog.Warn("starting in read-only mode, migrations skipped")
	}

	// Counters: shared Redis when configured, else this process only.
	var (
		rdb      *redis.Client
		counters ratelimit.CounterStore
		rs       auth.HealthChecker
	)
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rcs := store.NewRedisCounterStore(rdb)
		counters, rs = rcs, rcs
	} else {
		slog.Warn("no REDIS_URL, rate limits are per process")
		mem, err := ratelimit.NewMemoryStore(0)
		if err != nil {
			return fmt.Errorf("failed to set up memory counters: %w", err)
		}
		counters = mem
	}

	// Worker ctx outlives request handling so queued events drain until shutdown.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	pub, closePub, err := newPublisher(workerCtx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closePub()
	bus := events.NewBus(pub)

	c, err := newComponents(cfg, ps, counters, gate, bus, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	h := &auth.AuthHandler{P: c.provider, PS: ps, RS: rs}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h, c.metrics)}

	// Read-only watcher; flips degraded mode when the database fails over or recovers.
	go func() {
		ticker := time.NewTicker(readOnlyPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// The gate logs transitions itself
				if _, err := ps.RefreshReadOnly(workerCtx); err != nil {
					slog.Warn("read-only refresh failed", "error", err)
				}
			case <-workerCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("portcullis listening", "addr", ln.Addr().String(), "read_only", gate.Enabled())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting conns, waits for in-flight requests, or gives up after 30s
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(m.Middleware)

	// Unauthenticated operational endpoints
	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", m.Handler())

	// Everything else resolves credentials first
	r.Group(func(r chi.Router) {
		r.Use(h.P.Middleware)
		r.Get("/session/current", h.CurrentSession)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Delete("/session", h.Logout)
			r.Post("/session/logout-all", h.LogoutAll)
		})

		r.With(auth.RequireAdminApiKey).Post("/session/issue", h.IssueSession)
	})

	return r
}
