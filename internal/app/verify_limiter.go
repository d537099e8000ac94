package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// verifyWindowScript counts one call in a fixed window and replies with the
// count and the window's remaining time in milliseconds.
var verifyWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// VerifyLimiter counts verifier calls per user within a fixed window.
type VerifyLimiter interface {
	Take(ctx context.Context, owner string, limit int) (Allowance, error)
}

// Allowance is a user's window after one call was counted.
type Allowance struct {
	Count int
	Limit int
	Reset time.Duration
}

func (a Allowance) Exceeded() bool { return a.Limit > 0 && a.Count > a.Limit }

// RetryAfterSeconds rounds the time left in the window up, never below one second.
func (a Allowance) RetryAfterSeconds() int {
	seconds := int(math.Ceil(a.Reset.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// RedisVerifyLimiter shares verification windows across instances.
type RedisVerifyLimiter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisVerifyLimiter(client redis.UniversalClient, prefix string) *RedisVerifyLimiter {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "valarpay:wizard"
	}
	return &RedisVerifyLimiter{client: client, prefix: p, window: verifyRateLimitWindow}
}

func (r *RedisVerifyLimiter) key(owner string) string {
	return fmt.Sprintf("%s:rate_limit:verify:%s", r.prefix, owner)
}

func (r *RedisVerifyLimiter) Take(ctx context.Context, owner string, limit int) (Allowance, error) {
	owner = strings.TrimSpace(owner)
	if r == nil || r.client == nil || limit <= 0 || owner == "" {
		return Allowance{}, nil
	}
	raw, err := verifyWindowScript.Run(ctx, r.client, []string{r.key(owner)}, r.window.Milliseconds()).Result()
	if err != nil {
		return Allowance{}, fmt.Errorf("failed to count verification for %s: %w", owner, err)
	}
	return parseWindowReply(raw, limit, r.window)
}

// parseWindowReply reads the {count, ttl_ms} pair sent back by verifyWindowScript.
func parseWindowReply(raw any, limit int, window time.Duration) (Allowance, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return Allowance{}, fmt.Errorf("unexpected limiter reply shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Allowance{}, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return Allowance{}, fmt.Errorf("unexpected limiter ttl type: %T", values[1])
	}
	reset := time.Duration(ttl) * time.Millisecond
	if ttl < 0 {
		reset = window
	}
	return Allowance{Count: int(count), Limit: limit, Reset: reset}, nil
}

type memoryWindow struct {
	count int
	ends  time.Time
}

// MemoryVerifyLimiter keeps windows in process. Used when Redis is not configured.
type MemoryVerifyLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	windows map[string]memoryWindow
}

func NewMemoryVerifyLimiter() *MemoryVerifyLimiter {
	return &MemoryVerifyLimiter{
		window:  verifyRateLimitWindow,
		now:     time.Now,
		windows: make(map[string]memoryWindow),
	}
}

func (m *MemoryVerifyLimiter) Take(_ context.Context, owner string, limit int) (Allowance, error) {
	owner = strings.TrimSpace(owner)
	if limit <= 0 || owner == "" {
		return Allowance{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[owner]
	if !ok || !now.Before(w.ends) {
		for k, old := range m.windows {
			if !now.Before(old.ends) {
				delete(m.windows, k)
			}
		}
		w = memoryWindow{ends: now.Add(m.window)}
	}
	w.count++
	m.windows[owner] = w
	return Allowance{Count: w.count, Limit: limit, Reset: w.ends.Sub(now)}, nil
}
