package presence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"broadcast-scaler/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRedisBacked(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStoreWithClient(client, "p:"), mr
}

func TestPresenceSet_Add_idempotent(t *testing.T) {
	ctx := context.Background()
	set := NewPresenceSet(store.NewMemoryStore(quartz.NewMock(t)), testLogger())

	first, err := set.Add(ctx, "u1", "alice")
	require.NoError(t, err)
	require.True(t, first.IsNew)
	require.EqualValues(t, 1, first.Count)

	second, err := set.Add(ctx, "u1", "alice")
	require.NoError(t, err)
	require.False(t, second.IsNew)
	require.Equal(t, first.Count, second.Count)
}

func TestPresenceSet_Add_concurrent_dedup(t *testing.T) {
	const callers = 64

	mem := store.NewMemoryStore(quartz.NewMock(t))
	rs, _ := newRedisBacked(t)

	for name, s := range map[string]store.Store{"memory": mem, "redis": rs} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			set := NewPresenceSet(s, testLogger())
			_, err := set.Add(ctx, "u1", "bystander")
			require.NoError(t, err)

			var fresh atomic.Int32
			var eg errgroup.Group
			for range callers {
				eg.Go(func() error {
					res, err := set.Add(ctx, "u1", "alice")
					if err != nil {
						return err
					}
					if res.IsNew {
						fresh.Add(1)
					}
					return nil
				})
			}
			require.NoError(t, eg.Wait())

			require.EqualValues(t, 1, fresh.Load(), "exactly one caller must observe the insert")
			n, err := set.Count(ctx, "u1")
			require.NoError(t, err)
			require.EqualValues(t, 2, n)
		})
	}
}

func TestPresenceSet_round_trip(t *testing.T) {
	ctx := context.Background()
	set := NewPresenceSet(store.NewMemoryStore(quartz.NewMock(t)), testLogger())
	for i := range 3 {
		_, err := set.Add(ctx, "u1", ViewerID(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	before, err := set.Count(ctx, "u1")
	require.NoError(t, err)

	_, err = set.Add(ctx, "u1", "alice")
	require.NoError(t, err)
	rem, err := set.Remove(ctx, "u1", "alice")
	require.NoError(t, err)
	require.True(t, rem.Removed)
	require.Equal(t, before, rem.Count)

	again, err := set.Remove(ctx, "u1", "alice")
	require.NoError(t, err)
	require.False(t, again.Removed)
}

func TestPresenceSet_resets_wrong_type_key(t *testing.T) {
	ctx := context.Background()
	rs, mr := newRedisBacked(t)
	set := NewPresenceSet(rs, testLogger())

	// A legacy integer counter where the set belongs.
	require.NoError(t, mr.Set("p:"+membersKey("u1"), "42"))

	n, err := set.Count(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, mr.Set("p:"+membersKey("u1"), "42"))
	res, err := set.Add(ctx, "u1", "alice")
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.EqualValues(t, 1, res.Count)
}

func TestPresenceSet_Units(t *testing.T) {
	ctx := context.Background()
	set := NewPresenceSet(store.NewMemoryStore(quartz.NewMock(t)), testLogger())
	arn := UnitID("arn:aws:ivs:us-east-1:123:stage/abc")

	_, _ = set.Add(ctx, arn, "v1")
	_, _ = set.Add(ctx, "plain", "v2")

	units, err := set.Units(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []UnitID{arn, "plain"}, units)

	require.NoError(t, set.Clear(ctx, arn))
	units, err = set.Units(ctx)
	require.NoError(t, err)
	require.Equal(t, []UnitID{"plain"}, units)
}

func TestUnitFromMembersKey(t *testing.T) {
	tests := []struct {
		key  string
		want UnitID
		ok   bool
	}{
		{"unit:u1:viewers", "u1", true},
		{"unit:arn:a:b:viewers", "arn:a:b", true},
		{"unit::viewers", "", false},
		{"session:u1:v", "", false},
		{"unit:u1", "", false},
	}
	for _, tt := range tests {
		got, ok := unitFromMembersKey(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("unitFromMembersKey(%q) = %q,%v want %q,%v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}
