// Package app wires the RealTalk subsystems into running programs.
//
// [App] is the hub server: matchmaking websocket, health probes and metrics
// behind one HTTP listener. [Client] is the user side: it searches for a
// partner and runs the resulting conversation.
//
// For testing, inject doubles via functional options (WithStore,
// WithTelemetry, WithClock). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/realtalk/internal/config"
	"github.com/MrWong99/realtalk/internal/health"
	"github.com/MrWong99/realtalk/internal/hub"
	"github.com/MrWong99/realtalk/internal/observe"
	"github.com/MrWong99/realtalk/internal/store"
	"github.com/MrWong99/realtalk/internal/store/postgres"
)

// shutdownGrace bounds how long open requests may run after Run's context
// is canceled.
const shutdownGrace = 10 * time.Second

// App owns the server subsystems.
type App struct {
	cfg *config.Config

	store     store.Store
	telemetry *observe.Provider
	level     *slog.LevelVar
	clk       clock.Clock

	hub     *hub.Hub
	health  *health.Handler
	handler http.Handler

	// closers run in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects the persistence layer instead of creating one from
// config. The App takes ownership and closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTelemetry injects an initialised telemetry provider. Shutdown shuts
// it down.
func WithTelemetry(p *observe.Provider) Option {
	return func(a *App) { a.telemetry = p }
}

// WithLogLevel lets [App.Reload] change the level of the default logger.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithClock replaces the wall clock of the hub timers.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.hub = hub.New(hub.Config{
		SearchTimeout:  cfg.Match.SearchTimeout,
		Store:          a.store,
		Metrics:        a.telemetry.Metrics(),
		OriginPatterns: cfg.Server.OriginPatterns,
		Clock:          a.clk,
	})
	a.closers = append([]func(context.Context) error{func(context.Context) error { return a.hub.Close() }}, a.closers...)

	a.health = health.New(health.Ping("store", a.store), health.Ping("hub", a.hub))

	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.hub)
	mux.Handle("GET /metrics", a.telemetry.Handler())
	a.health.Register(mux)
	a.handler = observe.Middleware(a.telemetry.Metrics(), "/healthz", "/readyz", "/metrics")(mux)
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: a.cfg.Telemetry.ServiceName})
		if err != nil {
			return err
		}
		a.telemetry = p
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	return nil
}

// initStore connects PostgreSQL behind a circuit breaker, or keeps
// everything in memory when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			slog.Warn("store.postgres_dsn not set, keeping matches and outcomes in memory")
			a.store = store.NewMemory()
		} else {
			pg, err := postgres.New(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store.NewGuard(pg, store.NewBreaker(store.BreakerConfig{}), store.DefaultCallTimeout)
		}
	}
	st := a.store
	a.closers = append([]func(context.Context) error{func(context.Context) error { return st.Close() }}, a.closers...)
	return nil
}

// Handler returns the HTTP surface: /ws, /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the persistence layer.
func (a *App) Store() store.Store { return a.store }

// Hub returns the matchmaking hub.
func (a *App) Hub() *hub.Hub { return a.hub }

// Run serves on cfg.Server.ListenAddr until ctx is canceled, then drains the
// readiness probe and stops the listener.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: serving", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Websockets are hijacked and not tracked by Shutdown; the hub
		// closes them.
		_ = a.hub.Close()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Reload applies the settings of cur that can change without a restart.
func (a *App) Reload(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SearchTimeoutChanged {
		a.hub.SetSearchTimeout(d.NewSearchTimeout)
		slog.Info("app: search timeout changed", "timeout", d.NewSearchTimeout)
	}
	if len(d.Restart) > 0 {
		slog.Warn("app: changed settings take effect after restart", "keys", d.Restart)
	}
}

// Shutdown closes the hub, the store and telemetry in that order. Every
// closer runs; failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.health != nil {
			a.health.SetDraining(true)
		}
		for _, closer := range a.closers {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}
