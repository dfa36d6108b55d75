package store

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence abstraction for presence, session and capacity
// state. Implementations can be in-memory or remote (Redis).
// Every single operation is atomic; callers never need an additional lock to
// resolve concurrent duplicates.
type Store interface {
	// SAdd inserts member into the set at key and reports whether it was
	// newly inserted along with the set cardinality after the insert.
	SAdd(ctx context.Context, key, member string) (added bool, card int64, err error)

	// SRem removes member from the set at key and reports whether it was
	// present along with the set cardinality after the removal.
	SRem(ctx context.Context, key, member string) (removed bool, card int64, err error)

	// SCard returns the cardinality of the set at key (0 if absent).
	SCard(ctx context.Context, key string) (int64, error)

	// SMembers returns the members of the set at key (empty if absent).
	SMembers(ctx context.Context, key string) ([]string, error)

	// Get returns the string value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a string value. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfExists overwrites the value at key only when the key is live and
	// reports whether it wrote. Check and write are one atomic step.
	SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Keys returns every live key starting with prefix, each at most once.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

var (
	// ErrNotFound is returned by Get when the key does not exist or expired.
	ErrNotFound = errors.New("key not found")

	// ErrWrongType is returned when an operation targets a key holding a
	// value of a different kind (e.g. a string where a set is expected).
	ErrWrongType = errors.New("key holds the wrong kind of value")
)
