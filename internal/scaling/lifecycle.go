package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/store"
)

const unitKeyPrefix = "capacity:unit:"

// DefaultCollaboratorTimeout bounds every call to a Provisioner or Replicator.
const DefaultCollaboratorTimeout = 10 * time.Second

func unitKey(id presence.UnitID) string {
	return unitKeyPrefix + string(id)
}

// LifecycleConfig configures a Lifecycle.
type LifecycleConfig struct {
	// PrimaryUnit is never deleted and is the fallback routing target.
	PrimaryUnit presence.UnitID
	// Environment is written into the tags of created units.
	Environment string
	Timeout     time.Duration
}

// Lifecycle is the command layer over a Provisioner. It keeps one record
// per unit in the store with state and creation time. It never retries;
// the controller's next cycle re-evaluates instead.
type Lifecycle struct {
	prov  Provisioner
	store store.Store
	clock quartz.Clock
	cfg   LifecycleConfig
	log   *slog.Logger

	mu       sync.Mutex
	deleting map[presence.UnitID]struct{}
}

// NewLifecycle returns a Lifecycle. A zero Timeout means
// DefaultCollaboratorTimeout.
func NewLifecycle(prov Provisioner, s store.Store, clock quartz.Clock, cfg LifecycleConfig, log *slog.Logger) *Lifecycle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCollaboratorTimeout
	}
	return &Lifecycle{
		prov:     prov,
		store:    s,
		clock:    clock,
		cfg:      cfg,
		log:      log,
		deleting: make(map[presence.UnitID]struct{}),
	}
}

// PrimaryUnit returns the configured primary unit id.
func (l *Lifecycle) PrimaryUnit() presence.UnitID {
	return l.cfg.PrimaryUnit
}

// Create provisions a unit parented to parent. The new unit starts in
// StateWarmingUp. If the record cannot be written the unit is still
// returned; List adopts it from its tags later.
func (l *Lifecycle) Create(ctx context.Context, parent presence.UnitID) (CapacityUnit, error) {
	now := l.clock.Now().UTC()
	tags := map[string]string{
		TagAutoScaled:  "true",
		TagCreatedAt:   now.Format(time.RFC3339Nano),
		TagParentUnit:  string(parent),
		TagEnvironment: l.cfg.Environment,
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	id, err := l.prov.Create(cctx, tags)
	if err != nil {
		return CapacityUnit{}, fmt.Errorf("create unit: %w", err)
	}

	unit := CapacityUnit{
		ID:          id,
		CreatedAt:   now,
		AutoCreated: true,
		ParentID:    parent,
		State:       StateWarmingUp,
	}
	if err := saveRecord(ctx, l.store, unitKey(id), unit); err != nil {
		l.log.Warn("unit created but record not saved",
			slog.String("unit", string(id)),
			slog.String("error", err.Error()))
	}
	l.log.Info("unit created",
		slog.String("unit", string(id)),
		slog.String("parent", string(parent)))
	return unit, nil
}

// Delete destroys unit. The record is StateDeleting for the duration of the
// call and reverts to its previous state on a transient failure. A unit the
// provisioner no longer knows is treated as deleted.
func (l *Lifecycle) Delete(ctx context.Context, unit CapacityUnit) error {
	if unit.Primary || unit.ID == l.cfg.PrimaryUnit {
		return fmt.Errorf("delete unit %s: primary unit is never deleted", unit.ID)
	}

	l.mu.Lock()
	l.deleting[unit.ID] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.deleting, unit.ID)
		l.mu.Unlock()
	}()

	prev := unit.State
	unit.State = StateDeleting
	if err := saveRecord(ctx, l.store, unitKey(unit.ID), unit); err != nil {
		return fmt.Errorf("delete unit %s: %w", unit.ID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	err := l.prov.Delete(cctx, unit.ID)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnitNotFound):
		l.log.Warn("unit already gone at provisioner", slog.String("unit", string(unit.ID)))
	default:
		unit.State = prev
		if serr := saveRecord(ctx, l.store, unitKey(unit.ID), unit); serr != nil {
			l.log.Error("revert unit state failed",
				slog.String("unit", string(unit.ID)),
				slog.String("error", serr.Error()))
		}
		return fmt.Errorf("delete unit %s: %w", unit.ID, err)
	}

	if err := deleteRecord(ctx, l.store, unitKey(unit.ID)); err != nil {
		l.log.Warn("unit deleted but record not removed",
			slog.String("unit", string(unit.ID)),
			slog.String("error", err.Error()))
	}
	l.log.Info("unit deleted", slog.String("unit", string(unit.ID)))
	return nil
}

// List returns every unit the provisioner knows, ordered by creation time.
// Units with no record are adopted from their tags; records of units the
// provisioner no longer lists are pruned.
func (l *Lifecycle) List(ctx context.Context) ([]CapacityUnit, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	descs, err := l.prov.List(cctx)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	listed := make(map[presence.UnitID]struct{}, len(descs))
	units := make([]CapacityUnit, 0, len(descs))
	for _, d := range descs {
		listed[d.ID] = struct{}{}
		u, err := l.resolve(ctx, d)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	l.prune(ctx, listed)

	sort.SliceStable(units, func(i, j int) bool {
		if !units[i].CreatedAt.Equal(units[j].CreatedAt) {
			return units[i].CreatedAt.Before(units[j].CreatedAt)
		}
		return units[i].ID < units[j].ID
	})
	return units, nil
}

// Promote marks a warming unit active.
func (l *Lifecycle) Promote(ctx context.Context, unit CapacityUnit) (CapacityUnit, error) {
	unit.State = StateActive
	if err := saveRecord(ctx, l.store, unitKey(unit.ID), unit); err != nil {
		return unit, fmt.Errorf("promote unit %s: %w", unit.ID, err)
	}
	return unit, nil
}

func (l *Lifecycle) resolve(ctx context.Context, d UnitDescriptor) (CapacityUnit, error) {
	var u CapacityUnit
	ok, err := loadRecord(ctx, l.store, l.log, unitKey(d.ID), &u)
	if err != nil {
		return CapacityUnit{}, err
	}
	if ok {
		u.Primary = d.ID == l.cfg.PrimaryUnit
		if u.State == StateDeleting && !l.isDeleting(d.ID) {
			// A delete was interrupted, e.g. by a restart.
			u.State = StateActive
			if err := saveRecord(ctx, l.store, unitKey(d.ID), u); err != nil {
				return CapacityUnit{}, err
			}
		}
		return u, nil
	}

	u = l.adopt(d)
	if err := saveRecord(ctx, l.store, unitKey(d.ID), u); err != nil {
		return CapacityUnit{}, err
	}
	l.log.Info("adopted unit",
		slog.String("unit", string(u.ID)),
		slog.Bool("auto_created", u.AutoCreated),
		slog.String("state", string(u.State)))
	return u, nil
}

// adopt builds a record from provisioner tags alone.
func (l *Lifecycle) adopt(d UnitDescriptor) CapacityUnit {
	now := l.clock.Now().UTC()
	u := CapacityUnit{
		ID:        d.ID,
		CreatedAt: now,
		State:     StateActive,
		Primary:   d.ID == l.cfg.PrimaryUnit,
	}
	auto, _ := strconv.ParseBool(d.Tags[TagAutoScaled])
	if !auto || u.Primary {
		return u
	}
	u.AutoCreated = true
	u.ParentID = presence.UnitID(d.Tags[TagParentUnit])
	u.State = StateWarmingUp
	if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(d.Tags[TagCreatedAt])); err == nil {
		u.CreatedAt = ts.UTC()
	}
	return u
}

// prune drops unit records and replication links of units the provisioner
// no longer lists. The unit is gone, so the collaborator is not asked to
// stop the link.
func (l *Lifecycle) prune(ctx context.Context, listed map[presence.UnitID]struct{}) {
	l.pruneKeys(ctx, unitKeyPrefix, "unit record", listed)
	l.pruneKeys(ctx, replicationKeyPrefix, "replication link", listed)
}

func (l *Lifecycle) pruneKeys(ctx context.Context, prefix, kind string, listed map[presence.UnitID]struct{}) {
	keys, err := l.store.Keys(ctx, prefix)
	if err != nil {
		l.log.Warn("list "+kind+"s failed", slog.String("error", err.Error()))
		return
	}
	for _, k := range keys {
		id := presence.UnitID(strings.TrimPrefix(k, prefix))
		if _, ok := listed[id]; ok || l.isDeleting(id) {
			continue
		}
		if err := deleteRecord(ctx, l.store, k); err != nil {
			l.log.Warn("prune "+kind+" failed",
				slog.String("unit", string(id)),
				slog.String("error", err.Error()))
			continue
		}
		l.log.Info("pruned stale "+kind, slog.String("unit", string(id)))
	}
}

func (l *Lifecycle) isDeleting(id presence.UnitID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.deleting[id]
	return ok
}
