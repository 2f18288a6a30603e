// Package app wires all callbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order: stop accepting requests, hang up live calls, let
// their post-call jobs finish, then close the store.
//
// For testing, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/frontdoor"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/postcall"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/callstore"
	"github.com/MrWong99/callbridge/pkg/provider/extract"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// Providers holds the external backends. Extractor and Store may be nil.
// Populated by main.go via the config registry.
type Providers struct {
	Dialer    s2s.Dialer
	Extractor extract.Extractor
	Store     callstore.Store
}

// availability is implemented by extractors that can report whether any
// backend is currently usable.
type availability interface {
	Available() bool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            atomic.Pointer[config.Config]
	providers      *Providers
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	registry *relay.Registry
	postcall *postcall.Pipeline
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Defaults to
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands the app the level variable of the process logger so
// reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if providers == nil || providers.Dialer == nil {
		return nil, errors.New("app: a realtime dialer is required")
	}

	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}

	a.registry = relay.NewRegistry(relay.WithOnChange(func(delta int) {
		a.metrics.ActiveCalls.Add(context.Background(), int64(delta))
	}))

	a.postcall = postcall.New(postcall.Config{
		Extractor:            providers.Extractor,
		Store:                providers.Store,
		Timeout:              cfg.Extraction.Timeout,
		SaveOnExtractFailure: cfg.Extraction.SaveOnFailure,
		Metrics:              a.metrics,
	})

	if providers.Store != nil {
		a.closers = append(a.closers, func() error {
			providers.Store.Close()
			return nil
		})
	}

	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// routes builds the HTTP surface. The media stream bypasses the request
// middleware because its handler owns the connection for the whole call.
func (a *App) routes() http.Handler {
	relayHandler := relay.NewHandler(a.registry, a.providers.Dialer, a.postcall,
		relay.WithConfigSource(func() relay.Config { return RelayConfig(a.cfg.Load()) }),
		relay.WithMetrics(a.metrics),
	)

	frontOpts := []frontdoor.Option{
		frontdoor.WithSettingsSource(func() frontdoor.Settings { return FrontDoorSettings(a.cfg.Load()) }),
		frontdoor.WithCalls(a.registry),
	}
	if a.providers.Store != nil {
		frontOpts = append(frontOpts, frontdoor.WithStore(a.providers.Store))
	}

	mux := http.NewServeMux()
	frontdoor.New(frontOpts...).Register(mux)
	health.New(a.checkers(), health.WithActiveCalls(a.registry.Len)).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)

	root := http.NewServeMux()
	root.Handle("GET "+frontdoor.MediaStreamPath, relayHandler)
	root.Handle("/", observe.Middleware(a.metrics)(mux))
	return root
}

func (a *App) checkers() []health.Checker {
	cfg := a.cfg.Load()
	checks := []health.Checker{
		health.RequiredCheck("realtime", cfg.Realtime.APIKey, "realtime api key"),
		health.DegradedCheck("postcall", a.postcall.Degraded, "last conversation save failed"),
	}
	if a.providers.Store != nil {
		checks = append(checks, health.PingCheck("store", a.providers.Store))
	}
	if av, ok := a.providers.Extractor.(availability); ok {
		checks = append(checks, health.DegradedCheck("extraction",
			func() bool { return !av.Available() }, "every extraction provider has an open circuit"))
	}
	return checks
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live call registry.
func (a *App) Registry() *relay.Registry { return a.registry }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Run serves HTTP until ctx is cancelled or the server fails. A cancelled
// context returns ctx.Err(); call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("app running", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig swaps in a reloaded configuration. Persona, relay and webhook
// settings apply to the next call; the log level applies immediately.
// Settings only read at startup are reported and otherwise ignored.
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	a.cfg.Store(updated)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(LogLevel(d.NewLogLevel))
	}
	if d.PersonaChanged || d.RelayChanged || d.GreetingChanged || d.LogLevelChanged {
		slog.Info("configuration applied",
			"log_level", updated.Server.LogLevel,
			"persona_changed", d.PersonaChanged,
			"relay_changed", d.RelayChanged,
			"greeting_changed", d.GreetingChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "fields", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: live calls and post-call jobs still running when ctx expires are
// cancelled, and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.registry.Len(), "postcall_in_flight", a.postcall.InFlight())

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}

		// Hijacked media streams are not tracked by the server.
		a.registry.CloseAll()
		if err := a.registry.Wait(ctx); err != nil {
			slog.Warn("calls still open at shutdown deadline", "active_calls", a.registry.Len())
			errs = append(errs, fmt.Errorf("calls: %w", err))
		}

		if err := a.postcall.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("post-call: %w", err))
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete", "postcall_processed", a.postcall.Processed())
	})
	return errors.Join(errs...)
}

// LogLevel converts a config level to its slog equivalent.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
