// Package app wires the Flexer server runtime: config, logging, stores, HTTP routes and the
// realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flexerosint/flexer-osint/cmd/identity"
	authapi "github.com/flexerosint/flexer-osint/cmd/internal/auth/api"
	"github.com/flexerosint/flexer-osint/cmd/internal/auth/session"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	docapi "github.com/flexerosint/flexer-osint/cmd/internal/docstore/api"
	"github.com/flexerosint/flexer-osint/cmd/internal/metrics"
	"github.com/flexerosint/flexer-osint/cmd/internal/migrate"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
	"github.com/flexerosint/flexer-osint/cmd/internal/realtime"
)

// stores bundles the persistence backends selected at startup.
type stores struct {
	users    identity.Store
	sessions session.Store
	docs     docstore.Repository
	auditor  authapi.Auditor

	// listen feeds cross-process changes to local subscribers; nil for in-memory stores.
	listen func(ctx context.Context) error

	close func()
}

// App is the Flexer server runtime: it owns HTTP server wiring and store lifecycles.
type App struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	stores stores

	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *redis.Client

	auth *authapi.Handler
	docs *docapi.Handler
	ws   *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if err := ValidateSecurityConfig(cfg, sessCfg); err != nil {
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return nil, err
	}
	if session.IsEphemeral(tokens) {
		log.Warn("auth.key.ephemeral", "public_key", tokens.PublicKeyHex())
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, pool, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	throttle, rdb, err := newThrottle(ctx, cfg, log)
	if err != nil {
		st.close()
		return nil, err
	}

	authHandler, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), st.users,
		session.NewService(sessCfg, st.sessions, tokens),
		authapi.WithThrottle(throttle),
		authapi.WithAuditor(st.auditor),
		authapi.WithMetrics(m),
	)
	if err != nil {
		st.close()
		return nil, err
	}

	guarded := metrics.InstrumentRepository(docstore.NewGuard(st.docs, profile.Rules{}), m)

	docHandler, err := docapi.NewHandler(log, guarded, authHandler, cfg.MaxBodyBytes)
	if err != nil {
		st.close()
		return nil, err
	}
	ws, err := realtime.NewWSGateway(log, realtime.LoadConfigFromEnv(), guarded, authHandler, m)
	if err != nil {
		st.close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		stores:    st,
		dbPool:    pool,
		dbEnabled: pool != nil,
		redis:     rdb,
		auth:      authHandler,
		docs:      docHandler,
		ws:        ws,
	}, nil
}

// Handler returns the complete middleware-wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log, a.metrics)
}

// Run starts the HTTP server plus background workers and blocks until context cancellation
// or a fatal error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/v1/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redis != nil,
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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.stores.listen != nil {
		g.Go(func() error { return a.stores.listen(gctx) })
	}

	if strings.TrimSpace(a.cfg.OwnerEmail) != "" {
		owner := profile.OwnerBootstrap{
			Store:   a.stores.docs,
			Email:   a.cfg.OwnerEmail,
			Resolve: resolveAccount(a.stores.users),
			Log:     a.log,
		}
		g.Go(func() error {
			if err := owner.Run(gctx); err != nil {
				a.log.Error("profile.owner.fail", "err", err)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// resolveAccount maps a registered email to its subject id.
func resolveAccount(users identity.Store) profile.OwnerResolver {
	return func(ctx context.Context, email string) (string, error) {
		ua, err := users.GetUserAuthByEmail(ctx, email)
		if identity.IsNotFound(err) {
			return "", profile.ErrUnknownAccount
		}
		if err != nil {
			return "", err
		}
		return ua.User.ID, nil
	}
}

// Close releases store resources (pool, redis client). It is safe to call once after Run.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.stores.close != nil {
		a.stores.close()
	}
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

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		docs := docstore.NewMemoryStore()
		return stores{
			users:    identity.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			docs:     docs,
			auditor:  authapi.LogAuditor{Log: log},
			close:    func() { _ = docs.Close() },
		}, nil, nil
	}

	pool, err := NewDBPool(ctx, cfg, log)
	if err != nil {
		return stores{}, nil, err
	}
	fail := func(err error) (stores, *pgxpool.Pool, error) {
		pool.Close()
		return stores{}, nil, err
	}

	if cfg.AutoMigrate {
		if err := migrate.Apply(ctx, pool, cfg.DBSchema); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	sessions, err := session.NewPostgresStore(pool, session.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	docs, err := docstore.NewPostgresStore(pool, docstore.WithSchema(cfg.DBSchema), docstore.WithLogger(log))
	if err != nil {
		return fail(err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - the stores only borrow it
	return stores{
		users:    users,
		sessions: sessions,
		docs:     docs,
		auditor:  authapi.NewPostgresAuditor(pool, cfg.DBSchema, log),
		listen:   docs.Listen,
		close: func() {
			_ = docs.Close()
			pool.Close()
		},
	}, pool, nil
}

// newThrottle selects the Redis login throttle when FLEXER_REDIS_URL is set.
func newThrottle(ctx context.Context, cfg Config, log Logger) (authapi.Throttle, *redis.Client, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return authapi.NewMemoryThrottle(), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis.enabled", "addr", opts.Addr)
	return authapi.NewRedisThrottle(rdb), rdb, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
