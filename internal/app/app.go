// Package app wires all livescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the engine adapter, the
// session controller, the optional sinks and the HTTP surface; Run serves
// HTTP until the context ends; Shutdown tears everything down in order.
//
// For testing, inject an engine via [WithEngine]. When no engine is
// injected, New creates one from the config through a [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/sink/archive"
	"github.com/MrWong99/livescribe/internal/sink/mqttpub"
	"github.com/MrWong99/livescribe/internal/ui"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	level    *slog.LevelVar
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	eng      stt.Engine
	breaker  *resilience.CircuitBreaker
	adapter  *engine.Adapter
	hub      *ui.Hub
	ctrl     *session.Controller
	ui       *ui.Server
	archive  *archive.Archive
	mqtt     *mqttpub.Publisher
	sinks    []transcript.Subscriber
	router   chi.Router
	server   *http.Server
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a recognition engine instead of creating one from the
// registry.
func WithEngine(eng stt.Engine) Option {
	return func(a *App) { a.eng = eng }
}

// WithRegistry sets the registry engines and audio sources are created from.
// Defaults to a registry holding the built-in implementations.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLevelVar sets the level variable the default logger reads, so config
// reloads can change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSinks adds result subscribers in addition to the configured archive and
// MQTT sinks.
func WithSinks(subs ...transcript.Subscriber) Option {
	return func(a *App) { a.sinks = append(a.sinks, subs...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Sinks named in cfg
// are connected synchronously; a sink that cannot be reached fails New.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.SlogLevel())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Session controller ────────────────────────────────────────────
	a.hub = ui.NewHub(a.metrics)
	a.ctrl = session.New(a.adapter,
		session.WithStateListener(a.hub.PublishState),
		session.WithReleaseTimeout(cfg.Session.ReleaseTimeout),
		session.WithMetrics(a.metrics),
	)

	// ── 3. Sinks ─────────────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeSinks()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEngine creates the audio source and engine from the registry (unless
// an engine was injected) and wraps the engine in an adapter.
func (a *App) initEngine() error {
	name := a.cfg.Engine.Name
	if a.eng == nil {
		src, err := a.registry.CreateSource(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("create audio source %q: %w", a.cfg.Audio.Source, err)
		}
		eng, err := a.registry.CreateEngine(a.cfg.Engine, src)
		if err != nil {
			return fmt.Errorf("create engine %q: %w", name, err)
		}
		a.eng = eng
		slog.Info("engine created", "name", name, "audio_source", a.cfg.Audio.Source)
	}
	if name == "" {
		name = "engine"
	}

	opts := []engine.Option{
		engine.WithName(name),
		engine.WithInitTimeout(a.cfg.Engine.InitTimeout),
		engine.WithStartTimeout(a.cfg.Engine.StartTimeout),
		engine.WithMetrics(a.metrics),
	}
	if bc := a.cfg.Engine.CircuitBreaker; bc != nil {
		rc := engine.BreakerConfig(bc.Resilience(name))
		rc.OnStateChange = func(name string, from, to resilience.State) {
			slog.Warn("engine circuit breaker state changed", "engine", name, "from", from, "to", to)
		}
		a.breaker = resilience.NewCircuitBreaker(rc)
		opts = append(opts, engine.WithCircuitBreaker(a.breaker))
	}

	adapter, err := engine.New(a.eng, opts...)
	if err != nil {
		return err
	}
	a.adapter = adapter
	return nil
}

// initSinks connects the archive and the MQTT publisher when configured.
func (a *App) initSinks(ctx context.Context) error {
	if dsn := a.cfg.Sinks.PostgresDSN; dsn != "" {
		arc, err := archive.Open(ctx, dsn, archive.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.archive = arc
		a.sinks = append(a.sinks, arc.Subscriber())
		slog.Info("transcript archive connected")
	}

	if mc := a.cfg.Sinks.MQTT; mc.Broker != "" {
		pub, err := mqttpub.Connect(ctx, mqttpub.Config{
			BrokerURL:   mc.Broker,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TopicPrefix: mc.TopicPrefix,
			QoS:         mc.QoS,
		}, mqttpub.WithMetrics(a.metrics))
		if err != nil {
			return err
		}
		a.mqtt = pub
		a.sinks = append(a.sinks, pub.Subscriber())
		slog.Info("mqtt publisher connected", "broker", mc.Broker)
	}
	return nil
}

// initHTTP builds the router: UI, health and metrics behind the observe
// middleware.
func (a *App) initHTTP() {
	uiOpts := []ui.Option{
		ui.WithModelConfig(a.cfg.Model),
		ui.WithAudioConfig(a.cfg.Audio.Session),
		ui.WithSinks(a.sinks...),
	}
	if a.archive != nil {
		uiOpts = append(uiOpts, ui.WithTranscripts(a.archive))
	}
	a.ui = ui.New(a.ctrl, a.hub, uiOpts...)

	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))
	health.New(a.checkers(), health.WithStatus(func() any { return a.ctrl.Session() })).Register(r)
	r.Handle("/metrics", promhttp.Handler())
	a.ui.Routes(r)
	a.router = r

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// checkers returns the readiness checks for the configured subsystems.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "session", Check: func(context.Context) error {
			if a.ctrl.Closed() {
				return session.ErrClosed
			}
			return nil
		}},
	}
	if a.breaker != nil {
		cs = append(cs, health.Checker{Name: "engine", Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}})
	}
	if a.archive != nil {
		cs = append(cs, health.Checker{Name: "archive", Check: a.archive.Ping})
	}
	return cs
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.router }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is done or the server fails. It does not stop the
// session; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of a config change: the log
// level and the engine timeouts. Everything else is logged as requiring a
// restart.
func (a *App) ApplyConfig(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TimeoutsChanged {
		a.adapter.SetTimeouts(d.InitTimeout, d.StartTimeout)
		slog.Info("engine timeouts changed", "init_timeout", d.InitTimeout, "start_timeout", d.StartTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session, disconnects UI clients and closes the sinks.
// Sinks are closed after the session so that they receive its last results.
// Safe to call more than once; only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.ctrl.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		if err := a.ui.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close ui: %w", err))
		}
		a.closeSinks()

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeSinks() {
	if a.archive != nil {
		a.archive.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
}
