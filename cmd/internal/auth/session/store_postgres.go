package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "flexer").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	s := &PostgresStore{pool: pool, schema: "flexer"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}

// Create inserts a new session row and returns its ULID.
func (s *PostgresStore) Create(ctx context.Context, in NewRow) (string, error) {
	id := ulid.MustNew(ulid.Timestamp(in.Now), ulid.DefaultEntropy()).String()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (
			id, user_id, created_at, authenticated_at, last_used_at,
			expires_at, revoked_at, user_agent, ip, platform
		) VALUES ($1, $2, $3, $3, $3, $4, NULL, $5, $6, $7)
	`, id, in.UserID, in.Now, in.ExpiresAt, nullIfEmpty(in.Device.UserAgent), in.Device.IP, string(in.Device.Platform))
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, authenticated_at, last_used_at, expires_at, revoked_at, platform
		FROM `+s.table()+`
		WHERE id = $1
	`, sessionID).Scan(
		&row.ID,
		&row.UserID,
		&row.CreatedAt,
		&row.AuthenticatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.Platform,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+s.table()+` SET last_used_at = $2 WHERE id = $1`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, sessionID, now)
	return err
}

// RevokeAllExcept revokes the user's live sessions other than keepID.
func (s *PostgresStore) RevokeAllExcept(ctx context.Context, now time.Time, userID, keepID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = $2
		WHERE user_id = $1 AND id <> $3 AND revoked_at IS NULL
	`, userID, now, keepID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
