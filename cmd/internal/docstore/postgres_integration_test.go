package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

func TestPostgresStore_WriteReadMerge(t *testing.T) {
	t.Parallel()

	s, _ := mustNewPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r1, err := s.Set(ctx, "profiles", "u1", map[string]any{"email": "a@x.io", "isApproved": false}, SetOptions{})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	r2, err := s.Set(ctx, "profiles", "u1", map[string]any{"isApproved": true, "email": nil}, SetOptions{Merge: true})
	if err != nil {
		t.Fatalf("Set merge: %v", err)
	}
	if r2.Revision <= r1.Revision {
		t.Fatalf("revision did not advance")
	}

	d, err := s.Get(ctx, "profiles", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Data["isApproved"] != true {
		t.Fatalf("unexpected data %#v", d.Data)
	}
	if _, ok := d.Data["email"]; ok {
		t.Fatalf("email should have been deleted")
	}

	if _, err := s.Update(ctx, "profiles", "nobody", map[string]any{"a": 1}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_ListenDeliversCrossProcessWrites(t *testing.T) {
	t.Parallel()

	reader, pool := mustNewPostgresStore(t)
	writer, err := NewPostgresStore(pool, WithSchema(reader.schema))
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = reader.Listen(listenCtx) }()

	got := make(chan Snapshot, 16)
	sub, err := reader.Subscribe(ctx, Doc("profiles", "u9"), func(s Snapshot) { got <- s }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	first := <-got
	if first.Exists {
		t.Fatalf("expected missing document first")
	}

	// The listener may not be attached yet; keep writing until a change arrives.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		if _, err := writer.Set(ctx, "profiles", "u9", map[string]any{"n": i}, SetOptions{}); err != nil {
			t.Fatalf("writer Set: %v", err)
		}
		select {
		case s := <-got:
			if !s.Exists || s.Revision <= 0 {
				t.Fatalf("unexpected snapshot %+v", s)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no cross-process snapshot delivered")
		}
	}
}

func mustNewPostgresStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
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

	schema := fmt.Sprintf("docstore_test_%d", time.Now().UnixNano())
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

	s, err := NewPostgresStore(pool, WithSchema(schema), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return s, pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout")
}

func TestPostgresStore_Preconditions(t *testing.T) {
	t.Parallel()

	s, _ := mustNewPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r1, err := s.Set(ctx, "profiles", "u1", map[string]any{"n": 1}, SetOptions{MustNotExist: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Set(ctx, "profiles", "u1", map[string]any{"n": 2}, SetOptions{MustNotExist: true}); !IsConflict(err) {
		t.Fatalf("second create err = %v", err)
	}
	if _, err := s.Set(ctx, "profiles", "u1", map[string]any{"n": 3}, SetOptions{Merge: true, IfRevision: r1.Revision}); err != nil {
		t.Fatalf("matching revision: %v", err)
	}
	if _, err := s.Set(ctx, "profiles", "u1", map[string]any{"n": 4}, SetOptions{Merge: true, IfRevision: r1.Revision}); !IsConflict(err) {
		t.Fatalf("stale revision err = %v", err)
	}
}
