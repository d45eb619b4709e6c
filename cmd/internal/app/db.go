package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName       = "flexer-server"
	defaultDBConnectTimeout = 30 * time.Second
)

// NewDBPool opens the shared pool used by the identity, session, document and audit stores.
// The database may still be starting (compose, CI), so the first connection is retried until
// cfg.DBConnectTimeout; a rejected login or unknown database fails at once.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	limit := cfg.DBConnectTimeout
	if limit <= 0 {
		limit = defaultDBConnectTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := PingDB(ctx, pool, 3*time.Second)
		if err != nil && !retryableDBError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(limit),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("db.connect.retry", "err", err, "next", next)
		}),
	)
	if err != nil {
		pool.Close()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	log.Info("db.connected", "schema", cfg.DBSchema, "max_conns", pcfg.MaxConns)
	return pool, nil
}

// PingDB checks that a connection can be acquired within timeout. It backs /readyz.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// retryableDBError is false for server answers that waiting will not change: bad credentials
// (28xxx) and a missing database (3D000).
func retryableDBError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	switch {
	case pgErr.Code == "3D000", len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28":
		return false
	default:
		return true
	}
}
