// Package app wires all gtodrill subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gtodrill/internal/analyzer"
	"github.com/MrWong99/gtodrill/internal/bus"
	"github.com/MrWong99/gtodrill/internal/config"
	"github.com/MrWong99/gtodrill/internal/drill"
	"github.com/MrWong99/gtodrill/internal/health"
	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/internal/pressure"
	"github.com/MrWong99/gtodrill/internal/report"
	"github.com/MrWong99/gtodrill/internal/resilience"
	"github.com/MrWong99/gtodrill/internal/server"
	"github.com/MrWong99/gtodrill/pkg/provider/llm"
	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/store/postgres"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	defaultSubjectPrefix   = "drill"
	readHeaderTimeout      = 10 * time.Second
)

// Providers holds the LLM backends used for post-session reports. Nil
// Report disables reports. Populated by main.go via the config registry.
type Providers struct {
	Report         llm.Provider
	ReportFallback llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics   *observe.Metrics
	level     *slog.LevelVar
	store     store.SessionStore
	publisher bus.Publisher
	checkers  []health.Checker

	analyzer *analyzer.Analyzer
	pressure *pressure.Machine
	coord    *drill.Coordinator
	synth    *report.Synthesizer
	handler  *server.Server
	http     *http.Server

	watchPath     string
	watchInterval time.Duration

	// closers are called in order at the end of Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from
// config. The store is used as is, without breaker or fallback.
func WithSessionStore(s store.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects a lifecycle publisher instead of dialing NATS.
func WithPublisher(p bus.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level of the process logger so config
// reloads can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch makes Run poll path and hot-reload the drill tunables and
// the log level. A zero interval uses the watcher's default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry) and may be nil.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Lifecycle bus ─────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 3. Detection engines ─────────────────────────────────────────────
	a.analyzer = analyzer.New(analyzerTuning(cfg.Drill.Analyzer))
	a.pressure = pressure.New(pressureTuning(cfg.Drill.Pressure))

	// ── 4. Report synthesizer ────────────────────────────────────────────
	a.initReport()

	// ── 5. Coordinator ───────────────────────────────────────────────────
	dcfg := drill.Config{
		Analyzer:  a.analyzer,
		Pressure:  a.pressure,
		Store:     a.store,
		Publisher: a.publisher,
		Metrics:   a.metrics,
		Tuning:    drillTuning(cfg.Drill),
	}
	if a.synth != nil {
		dcfg.AfterComplete = a.synth.Handle
	}
	coord, err := drill.New(dcfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}
	a.coord = coord

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.handler = server.New(coord, server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadLimit:      cfg.Server.WSReadLimitBytes,
		WriteTimeout:   cfg.Server.WSWriteTimeout,
	}, a.checkers, server.WithMetrics(a.metrics))

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.http = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL behind a breaker, or keeps sessions in
// memory when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	sc := a.cfg.Store
	if sc.PostgresDSN == "" {
		a.store = store.NewMemory()
		slog.Info("session store: in-memory")
		return nil
	}

	pg, err := postgres.NewStore(ctx, sc.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})

	var fallback store.SessionStore
	if sc.FallbackMemory {
		fallback = store.NewMemory()
	}
	rs := resilience.NewResilientStore(pg, "postgres", resilience.StoreConfig{
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:   sc.Breaker.MaxFailures,
			ResetTimeout:  sc.Breaker.ResetTimeout,
			OnStateChange: logBreaker,
		},
		Fallback:      fallback,
		RetryAttempts: sc.RetryAttempts,
		RetryBackoff:  sc.RetryBackoff,
	})
	a.store = rs
	a.checkers = append(a.checkers, health.PingChecker("store", rs))
	slog.Info("session store: postgres", "fallback_memory", sc.FallbackMemory)
	return nil
}

// initBus dials NATS when configured.
func (a *App) initBus() error {
	if a.publisher != nil {
		return nil
	}
	bc := a.cfg.Bus
	if bc.NATSURL == "" {
		a.publisher = bus.NopPublisher{}
		return nil
	}

	prefix := bc.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	p, err := bus.Connect(bus.Options{URL: bc.NATSURL, Token: bc.NATSToken, Prefix: prefix}, slog.Default())
	if err != nil {
		return err
	}
	a.publisher = p
	a.checkers = append(a.checkers, health.ConnChecker("bus", p.Connected))
	a.closers = append(a.closers, func() error {
		p.Close()
		return nil
	})
	slog.Info("lifecycle bus: nats", "url", bc.NATSURL, "prefix", prefix)
	return nil
}

// initReport builds the synthesizer when reports are enabled and a
// provider is available.
func (a *App) initReport() {
	rc := a.cfg.Report
	if !rc.Enabled {
		return
	}
	if a.providers.Report == nil {
		slog.Warn("report.enabled is set but no report provider is available; reports disabled")
		return
	}

	var p llm.Provider = a.providers.Report
	if a.providers.ReportFallback != nil {
		fb := resilience.NewLLMFallback(p, rc.Provider.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreaker},
		})
		fb.AddFallback(rc.Fallback.Name, a.providers.ReportFallback)
		p = fb
	}

	a.synth = report.New(p, a.store, a.metrics, report.Config{
		Timeout:            rc.Timeout,
		Concurrency:        rc.Concurrency,
		MaxTranscriptChars: rc.MaxTranscriptChars,
		MaxTokens:          rc.MaxTokens,
	})
	slog.Info("reports enabled", "provider", rc.Provider.Name, "model", rc.Provider.Model, "fallback", rc.Fallback.Name)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator returns the live session registry.
func (a *App) Coordinator() *drill.Coordinator { return a.coord }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, if configured, watches the config file until ctx is
// cancelled or the listener fails. It then shuts the app down within the
// configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	var watcher *config.Watcher
	if a.watchPath != "" {
		var opts []config.WatcherOption
		if a.watchInterval > 0 {
			opts = append(opts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.watchPath, func(_, next *config.Config, d config.ConfigDiff) {
			a.apply(next, d)
		}, opts...)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		watcher = w
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.http.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// Reload applies the hot-reloadable parts of next. Sessions already running
// keep the tuning they started with.
func (a *App) Reload(old, next *config.Config) {
	a.apply(next, config.Diff(old, next))
}

func (a *App) apply(next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AnalyzerChanged {
		a.analyzer.SetTuning(analyzerTuning(next.Drill.Analyzer))
		slog.Info("analyzer tuning reloaded")
	}
	if d.PressureChanged {
		a.pressure.SetTuning(pressureTuning(next.Drill.Pressure))
		slog.Info("pressure tuning reloaded")
	}
	if d.DrillChanged {
		a.coord.UpdateTuning(drillTuning(next.Drill))
		slog.Info("drill limits reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every live session, waits for their records and reports,
// stops the HTTP server and closes the store and bus. Calling it again
// returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.coord.Len())
		a.handler.Drain()
		var errs []error

		if err := a.coord.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.synth != nil {
			if err := a.synth.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.close()

		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			slog.Warn("shutdown incomplete", "err", a.stopErr)
			return
		}
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func logBreaker(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
}

func drillTuning(c config.DrillConfig) drill.Tuning {
	return drill.Tuning{
		DefaultDurationSec: c.DefaultDurationSec,
		MaxDurationSec:     c.MaxDurationSec,
		BroadcastEvery:     c.CountdownBroadcastEvery,
		InboxSize:          c.InboxSize,
		OutboxSize:         c.OutboxSize,
		PersistTimeout:     c.PersistTimeout,
	}
}

func analyzerTuning(c config.AnalyzerConfig) analyzer.Tuning {
	return analyzer.Tuning{
		WindowSize:           c.WindowSize,
		CalibrationMs:        c.CalibrationMs,
		MinCalibrationFrames: c.MinCalibrationFrames,
		PitchVarianceWeight:  c.PitchVarianceWeight,
		LongPauseMs:          c.LongPauseMs,
		AbandonmentPauseMs:   c.AbandonmentPauseMs,
		DeclineMultiplier:    c.DeclineMultiplier,
	}
}

func pressureTuning(c config.PressureConfig) pressure.Tuning {
	return pressure.Tuning{
		GraceMs:   c.GraceMs,
		MinGapMs:  c.MinGapMs,
		BaseGapMs: c.BaseGapMs,
		GapStepMs: c.GapStepMs,
		MinWords:  c.MinWords,
		BaseWords: c.BaseWords,
		WordsStep: c.WordsStep,
	}
}
