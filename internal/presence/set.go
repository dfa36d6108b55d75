package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"broadcast-scaler/internal/store"
)

// PresenceSet is the per-unit membership set of active viewers. Its
// cardinality is the only viewer count in the system.
type PresenceSet struct {
	store store.Store
	log   *slog.Logger
}

// NewPresenceSet returns a PresenceSet over s.
func NewPresenceSet(s store.Store, log *slog.Logger) *PresenceSet {
	return &PresenceSet{store: s, log: log}
}

// Add inserts viewer into unit's set. Exactly one of any number of
// concurrent Adds for the same viewer reports IsNew.
func (p *PresenceSet) Add(ctx context.Context, unit UnitID, viewer ViewerID) (AddResult, error) {
	key := membersKey(unit)
	added, card, err := p.store.SAdd(ctx, key, string(viewer))
	if errors.Is(err, store.ErrWrongType) {
		if err = p.reset(ctx, key); err != nil {
			return AddResult{}, err
		}
		added, card, err = p.store.SAdd(ctx, key, string(viewer))
	}
	if err != nil {
		return AddResult{}, fmt.Errorf("add viewer: %w", err)
	}
	return AddResult{IsNew: added, Count: card}, nil
}

// Remove deletes viewer from unit's set. Removing an absent viewer is not
// an error.
func (p *PresenceSet) Remove(ctx context.Context, unit UnitID, viewer ViewerID) (RemoveResult, error) {
	key := membersKey(unit)
	removed, card, err := p.store.SRem(ctx, key, string(viewer))
	if errors.Is(err, store.ErrWrongType) {
		// A reset set is empty, so the viewer is gone either way.
		return RemoveResult{}, p.reset(ctx, key)
	}
	if err != nil {
		return RemoveResult{}, fmt.Errorf("remove viewer: %w", err)
	}
	return RemoveResult{Removed: removed, Count: card}, nil
}

// Count returns the number of viewers in unit.
func (p *PresenceSet) Count(ctx context.Context, unit UnitID) (int64, error) {
	key := membersKey(unit)
	n, err := p.store.SCard(ctx, key)
	if errors.Is(err, store.ErrWrongType) {
		return 0, p.reset(ctx, key)
	}
	if err != nil {
		return 0, fmt.Errorf("count viewers: %w", err)
	}
	return n, nil
}

// Members returns the viewers in unit.
func (p *PresenceSet) Members(ctx context.Context, unit UnitID) ([]ViewerID, error) {
	key := membersKey(unit)
	raw, err := p.store.SMembers(ctx, key)
	if errors.Is(err, store.ErrWrongType) {
		return []ViewerID{}, p.reset(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("list viewers: %w", err)
	}
	out := make([]ViewerID, len(raw))
	for i, m := range raw {
		out[i] = ViewerID(m)
	}
	return out, nil
}

// Units returns every unit that currently has at least one member.
func (p *PresenceSet) Units(ctx context.Context) ([]UnitID, error) {
	keys, err := p.store.Keys(ctx, unitKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make([]UnitID, 0, len(keys))
	for _, k := range keys {
		if id, ok := unitFromMembersKey(k); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Clear drops unit's entire membership set.
func (p *PresenceSet) Clear(ctx context.Context, unit UnitID) error {
	if _, err := p.store.Del(ctx, membersKey(unit)); err != nil {
		return fmt.Errorf("clear unit: %w", err)
	}
	return nil
}

// reset deletes a key that holds the wrong kind of value, e.g. a legacy
// counter left where a membership set belongs.
func (p *PresenceSet) reset(ctx context.Context, key string) error {
	p.log.Warn("resetting malformed presence key", slog.String("key", key))
	if _, err := p.store.Del(ctx, key); err != nil {
		return fmt.Errorf("reset %q: %w", key, err)
	}
	return nil
}
