package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexerosint/flexer-osint/cmd/internal/migrate"
)

// Integration tests are opt-in and require FLEXER_TEST_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_CreateUser_ConflictEmail_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s := mustNewIdentityStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := s.CreateUser(ctx, CreateUserInput{Email: "User@Example.com", PasswordHash: "h1"}); err != nil {
		t.Fatalf("create user 1: %v", err)
	}
	_, err := s.CreateUser(ctx, CreateUserInput{Email: "user@EXAMPLE.com", PasswordHash: "h2"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got: %v", err)
	}
}

func TestPostgresStore_GetUserAuth_And_UpdatePassword(t *testing.T) {
	t.Parallel()

	s := mustNewIdentityStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	u, err := s.CreateUser(ctx, CreateUserInput{Email: "a@x.io", PasswordHash: "old-hash"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	ua, err := s.GetUserAuthByEmail(ctx, "A@X.IO")
	if err != nil {
		t.Fatalf("GetUserAuthByEmail: %v", err)
	}
	if ua.User.ID != u.ID || ua.PasswordHash != "old-hash" {
		t.Fatalf("unexpected auth row %+v", ua)
	}

	if err := s.UpdatePasswordHash(ctx, u.ID, "new-hash", time.Now().UTC()); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	ua, err = s.GetUserAuthByID(ctx, u.ID)
	if err != nil || ua.PasswordHash != "new-hash" {
		t.Fatalf("after update: %+v %v", ua, err)
	}

	if _, err := s.GetUserByID(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func mustNewIdentityStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := strings.TrimSpace(os.Getenv("FLEXER_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("FLEXER_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}

	schema := fmt.Sprintf("identity_test_%d", time.Now().UnixNano())
	if err := migrate.Apply(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})

	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
