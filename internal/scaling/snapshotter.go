package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/snapshot"
)

// DefaultSnapshotInterval is how often counts are exported.
const DefaultSnapshotInterval = 5 * time.Minute

// maxRestoreAge is the oldest snapshot still trusted as a restart hint.
const maxRestoreAge = 30 * time.Minute

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap snapshot.Snapshot) error
	Latest(ctx context.Context) (snapshot.Snapshot, bool, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Snapshotter exports per-unit counts and seeds the controller from the
// latest export after a restart.
type Snapshotter struct {
	set       *presence.PresenceSet
	store     SnapshotStore
	clock     quartz.Clock
	retention time.Duration
	log       *slog.Logger
}

func NewSnapshotter(set *presence.PresenceSet, st SnapshotStore, clock quartz.Clock, retention time.Duration, log *slog.Logger) *Snapshotter {
	if retention <= 0 {
		retention = snapshot.DefaultRetention
	}
	return &Snapshotter{set: set, store: st, clock: clock, retention: retention, log: log}
}

// Take records the current count of every unit with members and prunes
// snapshots older than the retention period.
func (s *Snapshotter) Take(ctx context.Context) (snapshot.Snapshot, error) {
	units, err := s.set.Units(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	now := s.clock.Now().UTC()
	snap := snapshot.Snapshot{TakenAt: now, Units: make([]snapshot.UnitCount, 0, len(units))}
	for _, u := range units {
		n, err := s.set.Count(ctx, u)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("snapshot %s: %w", u, err)
		}
		snap.Units = append(snap.Units, snapshot.UnitCount{UnitID: string(u), Count: n})
	}
	if err := s.store.Save(ctx, snap); err != nil {
		return snapshot.Snapshot{}, err
	}

	pruned, err := s.store.Prune(ctx, now.Add(-s.retention))
	if err != nil {
		s.log.Warn("prune snapshots failed", slog.String("error", err.Error()))
	}
	s.log.Debug("snapshot saved", slog.Int("units", len(snap.Units)), slog.Int("pruned", pruned))
	return snap, nil
}

// Run adapts Take to a scheduler task.
func (s *Snapshotter) Run(ctx context.Context) error {
	_, err := s.Take(ctx)
	return err
}

// Restore seeds c with scale-down hints from the latest snapshot. Snapshots
// older than maxRestoreAge are ignored. It returns the number of protected
// units.
func (s *Snapshotter) Restore(ctx context.Context, c *Controller) (int, error) {
	snap, ok, err := s.store.Latest(ctx)
	if err != nil || !ok {
		return 0, err
	}
	if age := s.clock.Now().Sub(snap.TakenAt); age > maxRestoreAge {
		s.log.Info("latest snapshot too old to restore", slog.Duration("age", age))
		return 0, nil
	}
	counts := make(map[presence.UnitID]int64, len(snap.Units))
	for _, u := range snap.Units {
		counts[presence.UnitID(u.UnitID)] = u.Count
	}
	n := c.SeedHints(counts)
	s.log.Info("restored scale-down hints from snapshot",
		slog.Time("taken_at", snap.TakenAt),
		slog.Int("protected_units", n))
	return n, nil
}
