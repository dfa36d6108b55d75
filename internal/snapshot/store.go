// Package snapshot persists periodic per-unit viewer counts in badger.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const keyPrefix = "snap/"

// DefaultRetention is how long snapshots are kept.
const DefaultRetention = 90 * 24 * time.Hour

// UnitCount is the viewer count of one unit at snapshot time.
type UnitCount struct {
	UnitID string `json:"unit_id"`
	Count  int64  `json:"count"`
}

// Snapshot is one export of every unit's count.
type Snapshot struct {
	TakenAt time.Time   `json:"taken_at"`
	Units   []UnitCount `json:"units"`
}

// Options selects where the store lives. An empty Dir opens an in-memory
// database.
type Options struct {
	Dir string
}

// Store is a badger-backed snapshot log keyed by time.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// key orders snapshots by time under lexical byte order.
func key(t time.Time) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], uint64(t.UnixNano()))
	return k
}

// Save writes snap. A snapshot with the same TakenAt is replaced.
func (s *Store) Save(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(snap.TakenAt), data)
	})
}

// Latest returns the most recent snapshot.
func (s *Store) Latest(_ context.Context) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(keyPrefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix([]byte(keyPrefix)) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read latest snapshot: %w", err)
	}
	return snap, found, nil
}

// Prune deletes snapshots taken before cutoff and returns how many.
func (s *Store) Prune(_ context.Context, cutoff time.Time) (int, error) {
	limit := key(cutoff)
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= string(limit) {
				break
			}
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan snapshots: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return 0, fmt.Errorf("delete snapshot: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush snapshot deletes: %w", err)
	}
	return len(stale), nil
}

// Counts returns the snapshot as a unit to count map.
func (s Snapshot) Counts() map[string]int64 {
	out := make(map[string]int64, len(s.Units))
	for _, u := range s.Units {
		out[u.UnitID] = u.Count
	}
	return out
}
