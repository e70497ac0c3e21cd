// Package gateway serves the Messages API on top of the Antigravity backend.
//
// DESIGN: The gateway owns every long-lived component and wires them once:
//   - SignatureStore:   thought signatures, scoped by conversation
//   - Classifier:       per-account lockouts, optionally persisted
//   - accounts.Pool:    sticky round-robin credentials, skipping lockouts
//   - external.Client:  backend transport with endpoint fallback
//   - retry.Executor:   per-status backoff around each backend attempt
//
// Routes are registered under both /v1 and /api/v1 because some clients
// prepend /api to the configured base URL.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/accounts"
	"github.com/compresr/antigravity-gateway/internal/adapters"
	"github.com/compresr/antigravity-gateway/internal/config"
	"github.com/compresr/antigravity-gateway/internal/monitoring"
	"github.com/compresr/antigravity-gateway/internal/ratelimit"
	"github.com/compresr/antigravity-gateway/internal/retry"
	"github.com/compresr/antigravity-gateway/internal/store"
)

// ServiceName identifies the gateway in health and info responses.
const ServiceName = "antigravity-gateway"

// features are advertised by the health endpoint.
var features = []string{
	"warmup-interceptor",
	"auto-stream-conversion",
	"background-task-downgrade",
	"multi-strategy-retry",
	"thought-signature-cache",
	"sticky-sessions",
}

// Gateway is the HTTP front end and request orchestrator.
type Gateway struct {
	config  *config.Config
	version string
	now     func() time.Time
	server  *http.Server
	handler http.Handler

	// Backend plumbing
	client     *external.Client
	accounts   accounts.Provider
	limits     *ratelimit.Classifier
	signatures *store.SignatureStore
	transcoder *adapters.RequestTranscoder
	executor   *retry.Executor
	tokens     *tokenCounter

	// Monitoring
	logger        *monitoring.Logger
	ownsLogger    bool
	metrics       *monitoring.Metrics
	tracker       *monitoring.Tracker
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	limiter       *ipLimiter

	httpClient *http.Client
	retryWait  func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithVersion sets the version reported by /health and /.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithLogger replaces the logger used for alerts and request logs.
func WithLogger(l *monitoring.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock injects the time source for generated ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithRetryWait replaces the sleep between attempts and account re-selection.
func WithRetryWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.retryWait = wait }
}

// WithHTTPClient sets the client used for backend calls without a proxy.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.httpClient = hc }
}

// New creates a gateway from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	g := &Gateway{config: cfg, version: "dev", now: time.Now}
	for _, opt := range opts {
		opt(g)
	}

	mon := cfg.Monitoring
	if g.logger == nil {
		g.logger = monitoring.New(monitoring.LoggerConfig{Level: mon.LogLevel, Format: mon.LogFormat, Output: mon.LogOutput})
		g.ownsLogger = true
	}
	g.metrics = monitoring.NewMetrics()
	g.alerts = monitoring.NewAlertManager(g.logger, monitoring.AlertConfig{HighLatencyThreshold: mon.HighLatencyAlert})
	g.requestLogger = monitoring.NewRequestLogger(g.logger)

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     mon.TelemetryEnabled,
		LogPath:     mon.TelemetryPath,
		LogToStdout: mon.LogToStdout,
	})
	if err != nil {
		return nil, err
	}
	g.tracker = tracker

	g.signatures = store.NewSignatureStore(
		store.WithTTL(cfg.Signatures.TTL),
		store.WithSweepInterval(cfg.Signatures.SweepInterval),
	)
	g.transcoder = adapters.NewRequestTranscoder(g.signatures)

	persister, err := newPersister(cfg.RateLimit)
	if err != nil {
		g.signatures.Close()
		return nil, err
	}
	g.limits = ratelimit.NewClassifier(ratelimit.WithPersister(persister))
	if n, err := g.limits.Restore(context.Background()); err != nil {
		log.Warn().Err(err).Str("persistence", cfg.RateLimit.Persistence).Msg("failed to restore rate limits")
	} else if n > 0 {
		log.Info().Int("restored", n).Msg("restored active rate limits")
	}

	pool, err := accounts.NewPool(cfg.Accounts.Static,
		accounts.WithLimits(g.limits),
		accounts.WithOAuth(cfg.Accounts.OAuth),
	)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to build account pool: %w", err)
	}
	if pool.Size() == 0 {
		log.Warn().Msg("no backend accounts configured, messages requests will fail")
	}
	g.accounts = pool

	g.client = external.NewClient(external.Options{
		Endpoints:  cfg.Upstream.Endpoints(),
		UserAgent:  cfg.Upstream.UserAgent,
		Timeout:    cfg.Upstream.Timeout,
		HTTPClient: g.httpClient,
	})

	g.executor = retry.NewExecutor(cfg.Upstream.MaxAttempts)
	if g.retryWait != nil {
		g.executor.Wait = g.retryWait
	}
	g.executor.OnRetry = func(a retry.Attempt) {
		g.metrics.RecordRetry(string(a.Policy.Strategy))
	}

	g.tokens = newTokenCounter()

	if cfg.Server.RatePerIP > 0 {
		g.limiter = newIPLimiter(cfg.Server.RatePerIP, cfg.Server.BurstPerIP)
	}

	g.handler = g.panicRecovery(g.loggingMiddleware(g.rateLimit(g.security(g.routes()))))
	g.server = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           g.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	log.Info().
		Strs("endpoints", g.client.Endpoints()).
		Int("accounts", pool.Size()).
		Str("persistence", cfg.RateLimit.Persistence).
		Bool("auth", !cfg.Auth.Open()).
		Msg("gateway initialized")
	return g, nil
}

// newPersister builds the configured lockout persister, nil for none.
func newPersister(cfg config.RateLimitConfig) (ratelimit.Persister, error) {
	switch cfg.Persistence {
	case config.PersistenceSQLite:
		p, err := ratelimit.NewSQLitePersister(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open rate limit database: %w", err)
		}
		return p, nil
	case config.PersistenceRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := ratelimit.NewRedisPersister(ctx, cfg.Redis.Options())
		if err != nil {
			return nil, fmt.Errorf("failed to connect rate limit redis: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

// routes registers every endpoint.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	for _, prefix := range []string{"/v1", "/api/v1"} {
		mux.HandleFunc("POST "+prefix+"/messages", g.handleMessages)
		mux.HandleFunc("POST "+prefix+"/messages/count_tokens", g.handleCountTokens)
		mux.HandleFunc("GET "+prefix+"/models", g.handleModels)
	}
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /api/event_logging/batch", g.handleEventLogging)
	mux.HandleFunc("POST /event_logging/batch", g.handleEventLogging)
	if g.config.Monitoring.MetricsEnabled {
		mux.Handle("GET /metrics", g.metrics.Handler())
	}
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("/", g.handleNotFound)

	return mux
}

// Handler returns the fully wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Str("version", g.version).Msg("gateway listening")
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, drains in-flight ones and releases
// every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if cerr := g.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases background goroutines, persistence and telemetry.
// It does not stop a running server.
func (g *Gateway) Close() error {
	if g.limiter != nil {
		g.limiter.close()
	}
	var errs []error
	if g.signatures != nil {
		errs = append(errs, g.signatures.Close())
	}
	if g.limits != nil {
		errs = append(errs, g.limits.Close())
	}
	if g.tracker != nil {
		errs = append(errs, g.tracker.Close())
	}
	if g.ownsLogger {
		errs = append(errs, g.logger.Close())
	}
	return errors.Join(errs...)
}
