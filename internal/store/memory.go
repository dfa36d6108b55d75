package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// entry is a single key. Exactly one of set or value is meaningful,
// selected by isSet.
type entry struct {
	isSet   bool
	set     map[string]struct{}
	value   string
	expires time.Time // zero means no expiry
}

// MemoryStore is a concurrency-safe in-memory implementation of Store.
// Expiry is evaluated lazily against the injected clock.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   quartz.Clock
	entries map[string]*entry
}

// NewMemoryStore returns a new empty in-memory store. A nil clock uses the
// real wall clock.
func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// SAdd implements Store.SAdd.
func (s *MemoryStore) SAdd(_ context.Context, key, member string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(key)
	if !ok {
		e = &entry{isSet: true, set: make(map[string]struct{})}
		s.entries[key] = e
	}
	if !e.isSet {
		return false, 0, ErrWrongType
	}
	if _, exists := e.set[member]; exists {
		return false, int64(len(e.set)), nil
	}
	e.set[member] = struct{}{}
	return true, int64(len(e.set)), nil
}

// SRem implements Store.SRem.
func (s *MemoryStore) SRem(_ context.Context, key, member string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(key)
	if !ok {
		return false, 0, nil
	}
	if !e.isSet {
		return false, 0, ErrWrongType
	}
	if _, exists := e.set[member]; !exists {
		return false, int64(len(e.set)), nil
	}
	delete(e.set, member)
	n := len(e.set)
	// Empty sets do not exist, matching Redis.
	if n == 0 {
		delete(s.entries, key)
	}
	return true, int64(n), nil
}

// SCard implements Store.SCard.
func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.peekLocked(key)
	if !ok {
		return 0, nil
	}
	if !e.isSet {
		return 0, ErrWrongType
	}
	return int64(len(e.set)), nil
}

// SMembers implements Store.SMembers. Members are returned sorted.
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.peekLocked(key)
	if !ok {
		return []string{}, nil
	}
	if !e.isSet {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.peekLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	if e.isSet {
		return "", ErrWrongType
	}
	return e.value, nil
}

// Set implements Store.Set. Like Redis SET it overwrites a key of any kind.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// SetIfExists implements Store.SetIfExists. Like SET XX it overwrites a
// live key of any kind.
func (s *MemoryStore) SetIfExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(key); !ok {
		return false, nil
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

// Del implements Store.Del.
func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.liveLocked(k); ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Keys implements Store.Keys. Keys are returned sorted.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0)
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.peekLocked(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping implements Store.Ping.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// SetRaw writes a string value without expiry, overwriting whatever the key
// held. Used to seed malformed data.
func (s *MemoryStore) SetRaw(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{value: value}
}

// liveLocked returns the entry for key, evicting it if expired.
// Caller must hold s.mu in write mode.
func (s *MemoryStore) liveLocked(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(e) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// peekLocked returns the entry for key, treating expired entries as absent
// without evicting them. Caller must hold s.mu.
func (s *MemoryStore) peekLocked(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok || s.expiredLocked(e) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) expiredLocked(e *entry) bool {
	return !e.expires.IsZero() && !s.clock.Now().Before(e.expires)
}
