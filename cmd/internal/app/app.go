// Package app wires the taskchat server runtime: config, logging, stores,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/httpapi"
	"taskchat/cmd/internal/messaging"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/notify"
	"taskchat/cmd/internal/presence"
	"taskchat/cmd/internal/profiles"
	"taskchat/cmd/internal/realtime"
	"taskchat/cmd/internal/records"
)

// App is the taskchat server runtime: it owns the store, the change-feed
// bus, presence, notifications and the HTTP server wiring.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	dbPool *pgxpool.Pool
	store  records.Store

	bus      *feed.Bus
	tracker  *presence.Tracker
	notifier *notify.Dispatcher

	ws  *realtime.WSGateway
	api *httpapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	m := metrics.New()
	a := &App{cfg: cfg, log: log, metrics: m}

	src, err := a.openStore(context.Background())
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			a.closeStore()
		}
	}()

	cache := profiles.NewCache(src, profiles.WithTTL(cfg.ProfileCacheTTL))

	repo, err := messaging.NewRepository(a.store,
		messaging.WithProfiles(cache),
		messaging.WithLogger(log),
		messaging.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	a.bus = feed.NewBus(a.store,
		feed.WithLogger(log),
		feed.WithMetrics(m),
		feed.WithQueueSize(cfg.FeedQueueSize),
	)

	a.tracker, err = presence.NewTracker(a.store, a.bus,
		presence.WithInterval(cfg.PresenceInterval),
		presence.WithStaleAfter(cfg.PresenceStaleAfter),
		presence.WithLogger(log),
		presence.WithMetrics(m),
	)
	if err != nil {
		a.bus.Close()
		return nil, err
	}

	key, err := notifySigningKey(cfg)
	if err != nil {
		a.bus.Close()
		return nil, err
	}
	a.notifier, err = notify.NewDispatcher(cfg.NotifyEndpoint,
		notify.WithSigningKey(key),
		notify.WithTimeout(nonZeroDuration(cfg.NotifyTimeout, 10*time.Second)),
		notify.WithLogger(log),
		notify.WithMetrics(m),
	)
	if err != nil {
		a.bus.Close()
		return nil, err
	}

	wsCfg := realtime.DefaultConfig()
	wsCfg.DevInsecure = cfg.WSDevInsecure
	wsCfg.OriginRequired = cfg.WSOriginRequired
	wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	wsCfg.TrustHelloIdentity = cfg.WSTrustHelloIdentity
	wsCfg.SendQueueSize = cfg.WSSendQueueSize
	wsCfg.PingInterval = cfg.WSPingInterval

	a.ws, err = realtime.NewWSGateway(repo, a.bus, a.tracker,
		realtime.WithConfig(wsCfg),
		realtime.WithLogger(log),
		realtime.WithMetrics(m),
	)
	if err != nil {
		a.bus.Close()
		return nil, err
	}

	a.api, err = httpapi.NewHandler(repo, a.tracker, a.notifier, httpapi.WithLogger(log))
	if err != nil {
		a.bus.Close()
		return nil, err
	}

	ok = true
	return a, nil
}

// openStore picks Postgres when DatabaseURL is set and the in-memory store
// otherwise, and returns the matching profile source.
func (a *App) openStore(ctx context.Context) (profiles.Source, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = records.NewInMemoryStore()
		return profiles.NewMemoryDirectory(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, pool, a.cfg, a.log); err != nil {
		pool.Close()
		return nil, err
	}

	// The app owns the pool; PostgresStore.Close only stops its listener.
	st, err := records.NewPostgresStore(pool, records.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	dir, err := profiles.NewPostgresDirectory(pool, profiles.WithSchema(a.cfg.DBSchema))
	if err != nil {
		_ = st.Close()
		pool.Close()
		return nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.dbPool = pool
	a.store = st
	return dir, nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.ws, a.api, a.metrics)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log, a.metrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	// Hijacked websocket connections outlive srv.Shutdown; cancelling the
	// base context ends their sessions.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"notify_enabled", a.notifier.Enabled(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		return a.shutdown(srv, cancelBase)
	})

	return g.Wait()
}

// shutdown stops intake first, then drains in dependency order: sessions,
// heartbeats, notifications, change feeds, store.
func (a *App) shutdown(srv *http.Server, cancelBase context.CancelFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		keep(err)
	}

	cancelBase()
	if err := a.ws.Wait(ctx); err != nil {
		a.log.Error("ws.drain.fail", "err", err)
		keep(err)
	}

	a.tracker.Close(ctx)

	if err := a.notifier.Close(ctx); err != nil {
		a.log.Error("notify.drain.fail", "err", err)
		keep(err)
	}

	a.bus.Close()
	a.closeStore()

	a.log.Info("server.stopped")
	return firstErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
