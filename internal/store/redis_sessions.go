package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSessionPrefix = "valarpay:wizard"

// RedisSessionStore keeps session snapshots as JSON strings with a sliding TTL.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: normalizePrefix(prefix),
		ttl:    ttl,
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = defaultSessionPrefix
	}
	return strings.TrimSuffix(p, ":")
}

func (s *RedisSessionStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, strings.TrimSpace(id))
}

// Save writes the record and refreshes its TTL.
func (s *RedisSessionStore) Save(ctx context.Context, rec SessionRecord) error {
	if rec.Snapshot.ID == "" {
		return fmt.Errorf("failed to save session: empty id")
	}
	payload, err := encodeSession(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(rec.Snapshot.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.Snapshot.ID, err)
	}
	return nil
}

func (s *RedisSessionStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return decodeSession(raw)
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func encodeSession(rec SessionRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %w", rec.Snapshot.ID, err)
	}
	return payload, nil
}

func decodeSession(raw []byte) (*SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if rec.Snapshot.ID == "" {
		return nil, fmt.Errorf("failed to unmarshal session: missing id")
	}
	return &rec, nil
}
