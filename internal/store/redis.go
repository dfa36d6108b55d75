package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore is a Store backed by Redis. Every key is namespaced with prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore dials Redis with opts. The connection is lazy; use Ping to
// verify reachability.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.Prefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// SAdd implements Store.SAdd. SADD and SCARD run in a single MULTI so the
// reported cardinality belongs to the same atomic step as the insert.
func (s *RedisStore) SAdd(ctx context.Context, key, member string) (bool, int64, error) {
	k := s.key(key)
	var add, card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.SAdd(ctx, k, member)
		card = p.SCard(ctx, k)
		return nil
	})
	if err != nil {
		return false, 0, s.wrap("sadd", key, err)
	}
	return add.Val() == 1, card.Val(), nil
}

// SRem implements Store.SRem.
func (s *RedisStore) SRem(ctx context.Context, key, member string) (bool, int64, error) {
	k := s.key(key)
	var rem, card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rem = p.SRem(ctx, k, member)
		card = p.SCard(ctx, k)
		return nil
	})
	if err != nil {
		return false, 0, s.wrap("srem", key, err)
	}
	return rem.Val() == 1, card.Val(), nil
}

// SCard implements Store.SCard.
func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.wrap("scard", key, err)
	}
	return n, nil
}

// SMembers implements Store.SMembers.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, s.wrap("smembers", key, err)
	}
	return members, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.wrap("get", key, err)
	}
	return v, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return s.wrap("set", key, err)
	}
	return nil
}

// SetIfExists implements Store.SetIfExists with SET ... XX.
func (s *RedisStore) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetXX(ctx, s.key(key), value, ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("set xx", key, err)
	}
	return ok, nil
}

// Del implements Store.Del.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

// Keys implements Store.Keys using SCAN so large keyspaces do not block the
// server. SCAN may repeat a key across pages, so results are deduplicated.
// Returned keys have the store prefix stripped.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.key(prefix)) + "*"
	var (
		cursor uint64
		out    []string
		seen   = make(map[string]struct{})
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
		}
		out = s.appendScanned(out, seen, keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// appendScanned adds one SCAN page to out, skipping keys already seen.
func (s *RedisStore) appendScanned(out []string, seen map[string]struct{}, page []string) []string {
	for _, k := range page {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	return out
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) wrap(op, key string, err error) error {
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("redis %s %q: %w", op, key, ErrWrongType)
	}
	return fmt.Errorf("redis %s %q: %w", op, key, err)
}

// escapeGlob escapes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
