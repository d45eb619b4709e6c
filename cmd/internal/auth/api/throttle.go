package authapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexerosint/flexer-osint/cmd/internal/httpjson"
)

// Throttle counts failed login attempts per key over a fixed window.
type Throttle interface {
	// Blocked reports whether key has reached limit within its current window.
	Blocked(ctx context.Context, key string, limit int) (bool, time.Duration, error)
	// Fail records one failed attempt; the window starts at the first failure.
	Fail(ctx context.Context, key string, window time.Duration) error
	// Reset forgets key (successful login).
	Reset(ctx context.Context, key string) error
}

// MemoryThrottle is a process-local Throttle.
type MemoryThrottle struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]throttleEntry
}

type throttleEntry struct {
	count   int
	resetAt time.Time
}

func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{now: time.Now, entries: make(map[string]throttleEntry)}
}

func (t *MemoryThrottle) Blocked(_ context.Context, key string, limit int) (bool, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	now := t.now()
	if !ok || !now.Before(e.resetAt) {
		delete(t.entries, key)
		return false, 0, nil
	}
	if e.count >= limit {
		return true, e.resetAt.Sub(now), nil
	}
	return false, 0, nil
}

func (t *MemoryThrottle) Fail(_ context.Context, key string, window time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e, ok := t.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = throttleEntry{resetAt: now.Add(window)}
	}
	e.count++
	t.entries[key] = e
	return nil
}

func (t *MemoryThrottle) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

var failScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisThrottle shares failure counters across server replicas.
type RedisThrottle struct {
	client *redis.Client
	prefix string
}

func NewRedisThrottle(client *redis.Client) *RedisThrottle {
	return &RedisThrottle{client: client, prefix: "flexer:login:"}
}

func (t *RedisThrottle) Blocked(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	k := t.prefix + key
	n, err := t.client.Get(ctx, k).Int()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if n < limit {
		return false, 0, nil
	}
	ttl, err := t.client.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return true, ttl, nil
}

func (t *RedisThrottle) Fail(ctx context.Context, key string, window time.Duration) error {
	return failScript.Run(ctx, t.client, []string{t.prefix + key}, window.Milliseconds()).Err()
}

func (t *RedisThrottle) Reset(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.prefix+key).Err()
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	httpjson.Error(w, http.StatusTooManyRequests, "throttled", "too many attempts")
}
