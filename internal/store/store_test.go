package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	name  string
	store Store
	// seedString writes a raw string value, bypassing the Store API.
	seedString func(key, value string)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mem := NewMemoryStore(quartz.NewMock(t))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs := NewRedisStoreWithClient(client, "test:")

	return []backend{
		{name: "memory", store: mem, seedString: mem.SetRaw},
		{name: "redis", store: rs, seedString: func(k, v string) { _ = mr.Set("test:"+k, v) }},
	}
}

func TestStore_SAdd_reports_new_and_cardinality(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			added, card, err := b.store.SAdd(ctx, "set", "a")
			if err != nil || !added || card != 1 {
				t.Fatalf("first SAdd: added=%v card=%d err=%v", added, card, err)
			}
			added, card, err = b.store.SAdd(ctx, "set", "a")
			if err != nil || added || card != 1 {
				t.Errorf("duplicate SAdd: added=%v card=%d err=%v", added, card, err)
			}
			added, card, err = b.store.SAdd(ctx, "set", "b")
			if err != nil || !added || card != 2 {
				t.Errorf("second member: added=%v card=%d err=%v", added, card, err)
			}
		})
	}
}

func TestStore_SRem_absent_is_not_error(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			removed, card, err := b.store.SRem(ctx, "set", "ghost")
			if err != nil || removed || card != 0 {
				t.Errorf("SRem on missing set: removed=%v card=%d err=%v", removed, card, err)
			}

			_, _, _ = b.store.SAdd(ctx, "set", "a")
			removed, card, err = b.store.SRem(ctx, "set", "a")
			if err != nil || !removed || card != 0 {
				t.Errorf("SRem existing: removed=%v card=%d err=%v", removed, card, err)
			}
			n, err := b.store.SCard(ctx, "set")
			if err != nil || n != 0 {
				t.Errorf("SCard after emptying: n=%d err=%v", n, err)
			}
		})
	}
}

func TestStore_SMembers(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for _, m := range []string{"x", "y", "z"} {
				_, _, _ = b.store.SAdd(ctx, "members", m)
			}
			got, err := b.store.SMembers(ctx, "members")
			if err != nil {
				t.Fatalf("SMembers: %v", err)
			}
			if len(got) != 3 {
				t.Errorf("expected 3 members, got %v", got)
			}
			empty, err := b.store.SMembers(ctx, "nope")
			if err != nil || len(empty) != 0 {
				t.Errorf("SMembers missing: %v err=%v", empty, err)
			}
		})
	}
}

func TestStore_Get_not_found(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.Get(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_SetGetDel(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.store.Set(ctx, "k", "v1", 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := b.store.Set(ctx, "k", "v2", time.Minute); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, err := b.store.Get(ctx, "k")
			if err != nil || v != "v2" {
				t.Errorf("Get: v=%q err=%v", v, err)
			}
			n, err := b.store.Del(ctx, "k", "other")
			if err != nil || n != 1 {
				t.Errorf("Del: n=%d err=%v", n, err)
			}
			if _, err := b.store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Del: %v", err)
			}
		})
	}
}

func TestStore_wrong_type(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			b.seedString("counter", "17")

			if _, _, err := b.store.SAdd(ctx, "counter", "a"); !errors.Is(err, ErrWrongType) {
				t.Errorf("SAdd on string: expected ErrWrongType, got %v", err)
			}
			if _, err := b.store.SCard(ctx, "counter"); !errors.Is(err, ErrWrongType) {
				t.Errorf("SCard on string: expected ErrWrongType, got %v", err)
			}

			_, _, _ = b.store.SAdd(ctx, "set", "a")
			if _, err := b.store.Get(ctx, "set"); !errors.Is(err, ErrWrongType) {
				t.Errorf("Get on set: expected ErrWrongType, got %v", err)
			}
		})
	}
}

func TestStore_Keys_by_prefix(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_, _, _ = b.store.SAdd(ctx, "unit:a:viewers", "v")
			_, _, _ = b.store.SAdd(ctx, "unit:b:viewers", "v")
			_ = b.store.Set(ctx, "session:a:v", "{}", 0)

			keys, err := b.store.Keys(ctx, "unit:")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 2 {
				t.Errorf("expected 2 unit keys, got %v", keys)
			}
			for _, k := range keys {
				if k != "unit:a:viewers" && k != "unit:b:viewers" {
					t.Errorf("unexpected key %q (prefix must be stripped)", k)
				}
			}
		})
	}
}

func TestMemoryStore_ttl_follows_clock(t *testing.T) {
	clock := quartz.NewMock(t)
	s := NewMemoryStore(clock)
	ctx := context.Background()

	_ = s.Set(ctx, "session", "x", 10*time.Second)

	clock.Advance(9 * time.Second)
	if _, err := s.Get(ctx, "session"); err != nil {
		t.Errorf("expected value before expiry, got %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.Get(ctx, "session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound at expiry, got %v", err)
	}
	keys, _ := s.Keys(ctx, "")
	if len(keys) != 0 {
		t.Errorf("expired key must not be listed: %v", keys)
	}
}

func TestEscapeGlob(t *testing.T) {
	got := escapeGlob("unit:*[x]?")
	want := `unit:\*\[x\]\?`
	if got != want {
		t.Errorf("escapeGlob: got %q want %q", got, want)
	}
}

func TestStore_SetIfExists(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := b.store.SetIfExists(ctx, "session", "v1", time.Minute)
			if err != nil || ok {
				t.Fatalf("absent key: ok=%v err=%v", ok, err)
			}
			if _, err := b.store.Get(ctx, "session"); !errors.Is(err, ErrNotFound) {
				t.Errorf("absent key must stay absent, got %v", err)
			}

			_ = b.store.Set(ctx, "session", "v1", time.Minute)
			ok, err = b.store.SetIfExists(ctx, "session", "v2", time.Minute)
			if err != nil || !ok {
				t.Fatalf("live key: ok=%v err=%v", ok, err)
			}
			if v, _ := b.store.Get(ctx, "session"); v != "v2" {
				t.Errorf("expected v2, got %q", v)
			}

			_, _ = b.store.Del(ctx, "session")
			if ok, _ := b.store.SetIfExists(ctx, "session", "v3", time.Minute); ok {
				t.Error("deleted key must not be recreated")
			}
		})
	}
}

func TestMemoryStore_SetIfExists_expired_key(t *testing.T) {
	clock := quartz.NewMock(t)
	s := NewMemoryStore(clock)
	ctx := context.Background()

	_ = s.Set(ctx, "session", "x", 10*time.Second)
	clock.Advance(10 * time.Second)
	if ok, _ := s.SetIfExists(ctx, "session", "y", 10*time.Second); ok {
		t.Error("expired key must not be revived")
	}
}

func TestRedisStore_Keys_dedupes_scan_pages(t *testing.T) {
	s := NewRedisStoreWithClient(nil, "test:")
	seen := make(map[string]struct{})

	out := s.appendScanned(nil, seen, []string{"test:unit:a:viewers", "test:unit:b:viewers"})
	out = s.appendScanned(out, seen, []string{"test:unit:b:viewers", "test:unit:c:viewers"})

	want := []string{"unit:a:viewers", "unit:b:viewers", "unit:c:viewers"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("key %d: got %q want %q", i, out[i], want[i])
		}
	}
}
