// Package app wires the VoiceSafe subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the decoder chain,
// analyzer, rate limiter and HTTP handler from the config, Run serves
// until the context ends (watching the config file when one was given),
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithLimiter, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesafe/internal/analysis"
	"github.com/MrWong99/voicesafe/internal/config"
	"github.com/MrWong99/voicesafe/internal/health"
	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/internal/ratelimit"
	"github.com/MrWong99/voicesafe/internal/resilience"
	"github.com/MrWong99/voicesafe/internal/server"
)

// redisDialTimeout bounds the startup connectivity check.
const redisDialTimeout = 3 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	version    string

	registry       *config.Registry
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	analyzer *analysis.Analyzer
	limiter  ratelimit.Limiter
	checkers []health.Checker
	handler  http.Handler
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry uses reg instead of a registry of the built-in decoders.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithLimiter injects a rate limiter instead of building one from
// cfg.RateLimit. It is used even when rate limiting is disabled in cfg.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *App) { a.limiter = l }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigPath makes Run watch path and apply live-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion sets the version reported by the banner and responses.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It builds the decoder chain, the analyzer,
// the rate limiter and the HTTP handler synchronously; it does not listen.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		a.registerBuiltinDecoders(a.registry)
	}

	// ── 1. Analyzer ──────────────────────────────────────────────────────
	if err := a.initAnalyzer(); err != nil {
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}

	// ── 2. Rate limiter ──────────────────────────────────────────────────
	if err := a.initLimiter(ctx); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}

	// ── 3. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAnalyzer() error {
	chain, err := a.registry.BuildChain(a.cfg)
	if err != nil {
		return err
	}
	an, err := analysis.New(chain,
		a.cfg.Audio.NormalizeOptions(),
		a.cfg.FeatureParams(),
		a.cfg.Scoring.Weights,
		analysis.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.analyzer = an
	slog.Info("decoder chain ready", "decoders", chain.Names())
	return nil
}

// initLimiter builds the limiter from cfg.RateLimit: Redis with an
// in-memory fallback when a URL is set, memory alone otherwise.
func (a *App) initLimiter(ctx context.Context) error {
	rl := a.cfg.RateLimit
	if a.limiter != nil || !rl.Enabled {
		return nil
	}
	lcfg := ratelimit.Config{Window: rl.Window, MaxRequests: rl.MaxRequests, KeyPrefix: rl.KeyPrefix}
	mem := ratelimit.NewMemory(lcfg)
	if rl.RedisURL == "" {
		a.limiter = mem
		slog.Info("rate limiting in memory", "window", rl.Window, "max_requests", rl.MaxRequests)
		return nil
	}

	rdb, err := ratelimit.DialRedis(rl.RedisURL, lcfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rdb.Close)

	pctx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pctx); err != nil {
		slog.Warn("redis unreachable, rate limiting falls back to memory until it recovers", "err", err)
	}

	fb := ratelimit.NewFallback(rdb, mem,
		resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
		ratelimit.WithMetrics(a.metrics))
	a.limiter = fb
	a.checkers = append(a.checkers, health.Checker{
		Name:     "redis",
		Check:    health.All(health.Breaker(fb), rdb.Ping),
		Optional: true,
	})
	slog.Info("rate limiting via redis", "window", rl.Window, "max_requests", rl.MaxRequests)
	return nil
}

func (a *App) initHTTP() {
	s := a.cfg.Server
	srvOpts := []server.Option{server.WithMetrics(a.metrics)}
	if a.limiter != nil {
		srvOpts = append(srvOpts, server.WithLimiter(a.limiter))
	}
	api := server.New(a.analyzer, server.Config{
		ServiceName:     a.cfg.Observe.ServiceName,
		Version:         a.version,
		MaxUploadBytes:  s.MaxUploadBytes,
		MaxConcurrent:   s.MaxConcurrent,
		QueueTimeout:    s.QueueTimeout,
		AnalysisTimeout: s.AnalysisTimeout,
		TrustProxy:      s.TrustProxy,
	}, srvOpts...)

	mux := http.NewServeMux()
	api.Register(mux)
	health.New(a.checkers...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	a.srv = &http.Server{
		Addr:              s.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Analyzer returns the shared analyzer.
func (a *App) Analyzer() *analysis.Analyzer { return a.analyzer }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts the server down
// within the configured shutdown timeout. When a config path was given,
// the file is watched for the duration of Run.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(sctx)
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig,
			config.WithErrorHandler(func(err error) {
				a.metrics.RecordConfigReload(context.Background(), "invalid")
			}))
		if err != nil {
			slog.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig applies the live-reloadable part of a config change.
func (a *App) applyConfig(old, new *config.Config) {
	ctx := context.Background()
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	status := "applied"
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.WeightsChanged {
		if err := a.analyzer.SetWeights(new.Scoring.Weights); err != nil {
			slog.Error("scoring weights not applied", "err", err)
			status = "rejected"
		} else {
			slog.Info("scoring weights reloaded", "file", new.Scoring.WeightsFile)
		}
	}
	// An audio change moves the feature rate too; that waits for a restart.
	if d.FeaturesChanged && !slices.Contains(d.RestartRequired, "audio") {
		if err := a.analyzer.SetParams(new.FeatureParams()); err != nil {
			slog.Error("feature parameters not applied", "err", err)
			status = "rejected"
		} else {
			slog.Info("feature parameters reloaded")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.metrics.RecordConfigReload(ctx, status)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// the remaining ones are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
