package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CommitLocker serialises commits of one session across every instance that
// shares the session store. A lock expires after its ttl so a crashed holder
// cannot block the session forever.
type CommitLocker interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, id, token string) error
	Held(ctx context.Context, id string) (bool, error)
}

// releaseScript deletes the lock only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCommitLocker holds commit locks as SET NX keys with a TTL.
type RedisCommitLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCommitLocker(client redis.UniversalClient, prefix string) *RedisCommitLocker {
	return &RedisCommitLocker{client: client, prefix: normalizePrefix(prefix)}
}

func (l *RedisCommitLocker) key(id string) string {
	return fmt.Sprintf("%s:commit_lock:%s", l.prefix, strings.TrimSpace(id))
}

func (l *RedisCommitLocker) Acquire(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(id), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire commit lock %s: %w", id, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisCommitLocker) Release(ctx context.Context, id, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(id)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release commit lock %s: %w", id, err)
	}
	return nil
}

func (l *RedisCommitLocker) Held(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check commit lock %s: %w", id, err)
	}
	return n > 0, nil
}

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryCommitLocker holds commit locks in process. Used when Redis is not configured.
type MemoryCommitLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryCommitLocker() *MemoryCommitLocker {
	return &MemoryCommitLocker{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *MemoryCommitLocker) Acquire(_ context.Context, id string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[id]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.locks[id] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryCommitLocker) Release(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok && l.token == token {
		delete(m.locks, id)
	}
	return nil
}

func (m *MemoryCommitLocker) Held(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	return ok && m.now().Before(l.expires), nil
}
