// Package migrate applies the embedded PostgreSQL schema with golang-migrate.
//
// Every run is bound to one schema: the connection's search_path points at it and the
// version table lives inside it, so several deployments (or test runs) can share a database.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var files embed.FS

// MigrationsTable is the version table kept in each schema.
const MigrationsTable = "schema_migrations"

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Source returns the embedded migrations.
func Source() (source.Driver, error) {
	return iofs.New(files, "migrations")
}

// Apply creates schema if needed and runs every pending up migration.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, (*migrate.Migrate).Up)
}

// Rollback reverts every applied migration of schema.
func Rollback(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, (*migrate.Migrate).Down)
}

// Version reports the applied version of schema; dirty is set when a migration failed midway.
func Version(ctx context.Context, pool *pgxpool.Pool, schema string) (version uint, dirty bool, err error) {
	err = run(ctx, pool, schema, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		return verr
	})
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func run(ctx context.Context, pool *pgxpool.Pool, schema string, step func(*migrate.Migrate) error) error {
	if !identRe.MatchString(schema) {
		return fmt.Errorf("migrate: invalid schema identifier %q", schema)
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("migrate: create schema: %w", err)
	}

	cfg := pool.Config().ConnConfig.Copy()
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["search_path"] = schema
	db := stdlib.OpenDB(*cfg)

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schema,
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: driver: %w", err)
	}
	src, err := Source()
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migrate: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	stop := context.AfterFunc(ctx, func() { m.GracefulStop <- true })
	defer stop()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %s: %w", schema, err)
	}
	return nil
}
