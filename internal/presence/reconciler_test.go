package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"broadcast-scaler/internal/store"
)

type removalCounter map[string]int

func (c removalCounter) IncReconcileRemoved(reason string) { c[reason]++ }

// failingDelStore fails Del for one key so isolation can be observed.
type failingDelStore struct {
	store.Store
	failKey string
}

func (s failingDelStore) Del(ctx context.Context, keys ...string) (int64, error) {
	for _, k := range keys {
		if k == s.failKey {
			return 0, errors.New("injected del failure")
		}
	}
	return s.Store.Del(ctx, keys...)
}

func TestReconciler_expiry_boundary(t *testing.T) {
	const timeout = 60 * time.Second
	ctx := context.Background()
	f := newRegistryFixture(t, timeout)
	counter := removalCounter{}
	rec := NewReconciler(f.reg, f.clock, counter, testLogger())

	_, err := f.reg.RecordJoin(ctx, "alice", "u1", "p-1")
	require.NoError(t, err)

	f.clock.Advance(timeout - time.Second)
	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Expired)
	members, _ := f.reg.ActiveViewers(ctx, "u1")
	require.Equal(t, []ViewerID{"alice"}, members)

	f.clock.Advance(2 * time.Second)
	rep, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	require.Equal(t, 1, counter[ReasonExpired])

	n, _ := f.reg.Set().Count(ctx, "u1")
	require.Zero(t, n)
	_, ok, _ := f.reg.Session(ctx, "alice", "u1")
	require.False(t, ok, "expired session must be deleted, not only the membership")
}

func TestReconciler_heartbeat_keeps_viewer(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, time.Minute)
	rec := NewReconciler(f.reg, f.clock, nil, testLogger())

	_, _ = f.reg.RecordJoin(ctx, "alice", "u1", "p-1")
	for range 5 {
		f.clock.Advance(30 * time.Second)
		ok, err := f.reg.Heartbeat(ctx, "alice", "u1")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = rec.Reconcile(ctx)
		require.NoError(t, err)
	}
	n, _ := f.reg.Set().Count(ctx, "u1")
	require.EqualValues(t, 1, n)
}

func TestReconciler_removes_orphaned_membership(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, time.Minute)
	counter := removalCounter{}
	rec := NewReconciler(f.reg, f.clock, counter, testLogger())

	// Membership with no session, e.g. the session write was lost.
	_, err := f.reg.Set().Add(ctx, "u1", "ghost")
	require.NoError(t, err)

	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Orphaned)
	require.Equal(t, 1, counter[ReasonOrphaned])
	n, _ := f.reg.Set().Count(ctx, "u1")
	require.Zero(t, n)
}

func TestReconciler_isolates_per_viewer_failures(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, time.Minute)

	for _, v := range []ViewerID{"a", "b", "c"} {
		_, _ = f.reg.RecordJoin(ctx, v, "u1", "p")
	}
	_, _ = f.reg.RecordJoin(ctx, "d", "u2", "p")

	broken := failingDelStore{Store: f.store, failKey: sessionKey("b", "u1")}
	reg := NewRegistry(NewPresenceSet(broken, testLogger()), broken, f.clock, time.Minute, testLogger())
	rec := NewReconciler(reg, f.clock, nil, testLogger())

	// Past the heartbeat timeout but inside the session TTL.
	f.clock.Advance(90 * time.Second)
	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Units)
	require.Equal(t, 4, rep.Checked)
	require.Equal(t, 3, rep.Expired)
	require.Equal(t, 1, rep.Failed)

	left, _ := f.reg.ActiveViewers(ctx, "u1")
	require.Equal(t, []ViewerID{"b"}, left)
	n, _ := f.reg.Set().Count(ctx, "u2")
	require.Zero(t, n)
}

func TestReconciler_overlapping_sweeps_are_harmless(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, time.Minute)
	rec := NewReconciler(f.reg, f.clock, nil, testLogger())

	_, _ = f.reg.RecordJoin(ctx, "alice", "u1", "p")
	f.clock.Advance(61 * time.Second)

	// A leave racing with the sweep: the second removal sees nothing.
	_, err := f.reg.RecordLeave(ctx, "alice", "u1")
	require.NoError(t, err)
	require.NoError(t, f.reg.Expire(ctx, "alice", "u1"))

	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Checked)
}
