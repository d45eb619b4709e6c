package authapi

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseThrottle(t *testing.T, th Throttle, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	key := "email:a@x.io"

	for i := 0; i < 2; i++ {
		if blocked, _, err := th.Blocked(ctx, key, 2); err != nil || blocked {
			t.Fatalf("attempt %d: blocked=%v err=%v", i, blocked, err)
		}
		if err := th.Fail(ctx, key, time.Minute); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	blocked, retry, err := th.Blocked(ctx, key, 2)
	if err != nil || !blocked {
		t.Fatalf("expected blocked after limit, blocked=%v err=%v", blocked, err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("unexpected retry-after %v", retry)
	}

	advance(61 * time.Second)
	if blocked, _, _ := th.Blocked(ctx, key, 2); blocked {
		t.Fatalf("expected window to expire")
	}

	_ = th.Fail(ctx, key, time.Minute)
	_ = th.Fail(ctx, key, time.Minute)
	if err := th.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if blocked, _, _ := th.Blocked(ctx, key, 2); blocked {
		t.Fatalf("expected reset to clear the counter")
	}
}

func TestMemoryThrottle(t *testing.T) {
	th := NewMemoryThrottle()
	now := time.Unix(1_700_000_000, 0)
	th.now = func() time.Time { return now }
	exerciseThrottle(t, th, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisThrottle(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	exerciseThrottle(t, NewRedisThrottle(client), mr.FastForward)
}

func TestRedisThrottle_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	if _, _, err := NewRedisThrottle(client).Blocked(context.Background(), "k", 1); err == nil {
		t.Fatalf("expected an error from an unreachable redis")
	}
}
