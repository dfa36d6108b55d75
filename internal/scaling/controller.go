package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/presence"
)

// Defaults for Config.
const (
	DefaultPerUnitScaleUpThreshold = 45
	DefaultScaleUpUtilization      = 0.8
	DefaultScaleDownThreshold      = 5
	DefaultMaxUnits                = 20
	DefaultMaxPlausibleViewers     = 1000
	DefaultWarmupPeriod            = 5 * time.Minute
	DefaultHealthCheckInterval     = 30 * time.Second
	DefaultRestoreHintWindow       = 2 * time.Minute
)

var (
	// ErrNoCapacity is returned when no unit can take a viewer and no
	// primary unit is configured.
	ErrNoCapacity = errors.New("no capacity unit available")

	// ErrNoBroadcaster is returned when replication is requested while no
	// broadcaster is registered.
	ErrNoBroadcaster = errors.New("no live broadcaster")
)

// Config holds the controller thresholds.
type Config struct {
	// PerUnitScaleUpThreshold is the nominal capacity of one unit. A unit at
	// or above it is full for routing purposes.
	PerUnitScaleUpThreshold int64
	// ScaleUpUtilization is exclusive: utilization must exceed it.
	ScaleUpUtilization float64
	// ScaleDownThreshold is inclusive. Negative means the default; zero is
	// a valid value meaning only empty units are removed.
	ScaleDownThreshold  int64
	MaxUnits            int
	MaxPlausibleViewers int64
	WarmupPeriod        time.Duration
	// RestoreHintWindow is how long a restored snapshot protects busy units
	// from scale-down after startup.
	RestoreHintWindow time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		PerUnitScaleUpThreshold: DefaultPerUnitScaleUpThreshold,
		ScaleUpUtilization:      DefaultScaleUpUtilization,
		ScaleDownThreshold:      DefaultScaleDownThreshold,
		MaxUnits:                DefaultMaxUnits,
		MaxPlausibleViewers:     DefaultMaxPlausibleViewers,
		WarmupPeriod:            DefaultWarmupPeriod,
		RestoreHintWindow:       DefaultRestoreHintWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PerUnitScaleUpThreshold <= 0 {
		c.PerUnitScaleUpThreshold = d.PerUnitScaleUpThreshold
	}
	if c.ScaleUpUtilization <= 0 {
		c.ScaleUpUtilization = d.ScaleUpUtilization
	}
	if c.ScaleDownThreshold < 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.MaxUnits <= 0 {
		c.MaxUnits = d.MaxUnits
	}
	if c.MaxPlausibleViewers <= 0 {
		c.MaxPlausibleViewers = d.MaxPlausibleViewers
	}
	if c.WarmupPeriod <= 0 {
		c.WarmupPeriod = d.WarmupPeriod
	}
	if c.RestoreHintWindow <= 0 {
		c.RestoreHintWindow = d.RestoreHintWindow
	}
	return c
}

// ControllerMetrics receives per-cycle observations. It may be nil.
type ControllerMetrics interface {
	SetViewers(counts map[string]int64)
	SetCapacity(units int, utilization float64)
	IncScaleUp()
	IncScaleDown()
	IncAnomaly()
}

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Lifecycle   *Lifecycle
	Replication *Coordinator
	Broadcaster *BroadcasterRegistry
	Registry    *presence.Registry
	Observer    Observer
	Metrics     ControllerMetrics
	Clock       quartz.Clock
	Log         *slog.Logger
}

// UnitStatus is a unit with its live viewer count.
type UnitStatus struct {
	CapacityUnit
	Viewers int64 `json:"viewers"`
}

// CycleReport describes what one control cycle observed and did.
type CycleReport struct {
	Units        int
	TotalViewers int64
	Utilization  float64
	Promoted     []presence.UnitID
	Created      *CapacityUnit
	Deleted      []presence.UnitID
	Relinked     int
	// Aborted is set when the safety clamp rejected the cycle's counts.
	Aborted bool
}

// Controller is the periodic capacity control loop. It is also the viewer
// router: BestUnitForNewViewer reads the unit list cached by the last cycle
// so that the join path never waits on the provisioner.
type Controller struct {
	cfg         Config
	lifecycle   *Lifecycle
	replication *Coordinator
	broadcaster *BroadcasterRegistry
	registry    *presence.Registry
	observer    Observer
	metrics     ControllerMetrics
	clock       quartz.Clock
	log         *slog.Logger

	mu    sync.RWMutex
	units []CapacityUnit
	hints map[presence.UnitID]time.Time
}

// NewController returns a Controller. Zero Config fields take defaults.
func NewController(cfg Config, deps Dependencies) *Controller {
	obs := deps.Observer
	if obs == nil {
		obs = Observers(nil)
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		lifecycle:   deps.Lifecycle,
		replication: deps.Replication,
		broadcaster: deps.Broadcaster,
		registry:    deps.Registry,
		observer:    obs,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		log:         deps.Log,
		hints:       make(map[presence.UnitID]time.Time),
	}
}

// Config returns the effective thresholds.
func (c *Controller) Config() Config {
	return c.cfg
}

// Run adapts RunCycle to a scheduler task.
func (c *Controller) Run(ctx context.Context) error {
	_, err := c.RunCycle(ctx)
	return err
}

// RunCycle performs one control cycle: promote, measure, clamp, scale up at
// most one unit, scale down idle units, then retry missing replication.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport

	units, err := c.lifecycle.List(ctx)
	if err != nil {
		c.log.Error("control cycle skipped: list units failed", slog.String("error", err.Error()))
		return rep, err
	}

	now := c.clock.Now()
	for i, u := range units {
		if u.State != StateWarmingUp || u.Age(now) <= c.cfg.WarmupPeriod {
			continue
		}
		promoted, err := c.lifecycle.Promote(ctx, u)
		if err != nil {
			c.log.Warn("promote unit failed", slog.String("unit", string(u.ID)), slog.String("error", err.Error()))
			continue
		}
		units[i] = promoted
		rep.Promoted = append(rep.Promoted, u.ID)
	}

	counts, err := c.counts(ctx, units)
	if err != nil {
		c.log.Error("control cycle skipped: read counts failed", slog.String("error", err.Error()))
		return rep, err
	}
	c.setUnits(units)

	var total int64
	for _, n := range counts {
		total += n
	}
	capacity := int64(len(units)) * c.cfg.PerUnitScaleUpThreshold
	var utilization float64
	if capacity > 0 {
		utilization = float64(total) / float64(capacity)
	}
	rep.Units = len(units)
	rep.TotalViewers = total
	rep.Utilization = utilization
	c.observe(counts, len(units), utilization)

	if total > c.cfg.MaxPlausibleViewers {
		rep.Aborted = true
		if c.metrics != nil {
			c.metrics.IncAnomaly()
		}
		c.log.Warn("implausible viewer total, scaling aborted",
			slog.Int64("total_viewers", total),
			slog.Int64("max_plausible", c.cfg.MaxPlausibleViewers))
		return rep, nil
	}

	bc, hasBroadcaster := c.currentBroadcaster(ctx)

	if created, ok := c.scaleUp(ctx, units, counts, utilization, bc, hasBroadcaster); ok {
		rep.Created = &created
		units = append(units, created)
	}

	units, rep.Deleted = c.scaleDown(ctx, units, counts, now)

	if hasBroadcaster {
		rep.Relinked = c.relink(ctx, units, rep.Created, bc)
	}

	c.setUnits(units)
	c.log.Debug("control cycle finished",
		slog.Int("units", rep.Units),
		slog.Int64("total_viewers", total),
		slog.Float64("utilization", utilization),
		slog.Bool("created", rep.Created != nil),
		slog.Int("deleted", len(rep.Deleted)))
	return rep, nil
}

func (c *Controller) scaleUp(ctx context.Context, units []CapacityUnit, counts map[presence.UnitID]int64, utilization float64, bc Broadcaster, hasBroadcaster bool) (CapacityUnit, bool) {
	if utilization <= c.cfg.ScaleUpUtilization {
		return CapacityUnit{}, false
	}
	if len(units) >= c.cfg.MaxUnits {
		c.log.Warn("scale-up needed but unit limit reached",
			slog.Int("units", len(units)),
			slog.Int("max_units", c.cfg.MaxUnits))
		return CapacityUnit{}, false
	}

	source, ok := busiestUnit(units, counts)
	if !ok {
		return CapacityUnit{}, false
	}
	unit, err := c.lifecycle.Create(ctx, source.ID)
	if err != nil {
		c.log.Error("scale-up failed", slog.String("parent", string(source.ID)), slog.String("error", err.Error()))
		return CapacityUnit{}, false
	}
	if c.metrics != nil {
		c.metrics.IncScaleUp()
	}
	c.log.Info("scaled up",
		slog.String("unit", string(unit.ID)),
		slog.String("parent", string(source.ID)),
		slog.Float64("utilization", utilization))
	c.observer.UnitCreated(ctx, unit)

	if !hasBroadcaster {
		c.log.Info("no broadcaster registered, replication deferred", slog.String("unit", string(unit.ID)))
		return unit, true
	}
	// A failed or deferred link never rolls back the unit; relink retries it.
	if _, err := c.replication.Start(ctx, source.ID, unit.ID, bc.ParticipantID); err != nil {
		c.log.Warn("replication into new unit failed",
			slog.String("unit", string(unit.ID)),
			slog.String("error", err.Error()))
	}
	return unit, true
}

// scaleDown removes idle auto-created units. It returns the units that
// remain and the ids it deleted.
func (c *Controller) scaleDown(ctx context.Context, units []CapacityUnit, counts map[presence.UnitID]int64, now time.Time) ([]CapacityUnit, []presence.UnitID) {
	var deleted []presence.UnitID
	kept := make([]CapacityUnit, 0, len(units))
	for _, u := range units {
		if !c.removable(u, counts[u.ID], now) {
			kept = append(kept, u)
			continue
		}
		if err := c.replication.Stop(ctx, u.ID); err != nil {
			c.log.Warn("stop replication failed, deleting anyway",
				slog.String("unit", string(u.ID)),
				slog.String("error", err.Error()))
		}
		if err := c.lifecycle.Delete(ctx, u); err != nil {
			c.log.Error("scale-down failed", slog.String("unit", string(u.ID)), slog.String("error", err.Error()))
			kept = append(kept, u)
			continue
		}
		if err := c.registry.ClearUnit(ctx, u.ID); err != nil {
			c.log.Warn("clear presence of deleted unit failed",
				slog.String("unit", string(u.ID)),
				slog.String("error", err.Error()))
		}
		if c.metrics != nil {
			c.metrics.IncScaleDown()
		}
		c.log.Info("scaled down", slog.String("unit", string(u.ID)), slog.Int64("viewers", counts[u.ID]))
		u.State = StateDeleted
		c.observer.UnitDeleted(ctx, u)
		deleted = append(deleted, u.ID)
	}
	return kept, deleted
}

func (c *Controller) removable(u CapacityUnit, count int64, now time.Time) bool {
	if u.Primary || !u.AutoCreated || u.State != StateActive {
		return false
	}
	if u.Age(now) <= c.cfg.WarmupPeriod || count > c.cfg.ScaleDownThreshold {
		return false
	}
	return !c.hinted(u.ID, now)
}

// relink retries replication into live auto-created units that have no
// link.
func (c *Controller) relink(ctx context.Context, units []CapacityUnit, created *CapacityUnit, bc Broadcaster) int {
	linked := 0
	for _, u := range units {
		if !u.Live() || !u.AutoCreated || u.Primary || u.ID == bc.UnitID {
			continue
		}
		if created != nil && u.ID == created.ID {
			continue
		}
		_, ok, err := c.replication.Link(ctx, u.ID)
		if err != nil || ok {
			continue
		}
		outcome, err := c.replication.Start(ctx, replicationSource(u, units, bc), u.ID, bc.ParticipantID)
		if err != nil {
			c.log.Warn("replication retry failed", slog.String("unit", string(u.ID)), slog.String("error", err.Error()))
			continue
		}
		if outcome == OutcomeLinked {
			linked++
		}
	}
	return linked
}

// RetryReplication re-attempts the link into unit on demand.
func (c *Controller) RetryReplication(ctx context.Context, id presence.UnitID) (StartOutcome, error) {
	bc, ok, err := c.broadcaster.Current(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		return OutcomeFailed, ErrNoBroadcaster
	}
	units := c.cachedUnits()
	for _, u := range units {
		if u.ID != id {
			continue
		}
		if !u.Live() {
			return OutcomeFailed, fmt.Errorf("unit %s is %s: %w", id, u.State, ErrUnitNotFound)
		}
		if _, linked, err := c.replication.Link(ctx, id); err != nil {
			return OutcomeFailed, err
		} else if linked {
			return OutcomeLinked, nil
		}
		return c.replication.Start(ctx, replicationSource(u, units, bc), id, bc.ParticipantID)
	}
	return OutcomeFailed, fmt.Errorf("unit %s: %w", id, ErrUnitNotFound)
}

// BestUnitForNewViewer returns the live unit with the fewest viewers among
// those below the per-unit threshold, or the primary unit when all are full.
func (c *Controller) BestUnitForNewViewer(ctx context.Context) (presence.UnitID, error) {
	var (
		best      presence.UnitID
		bestCount int64
	)
	for _, u := range c.cachedUnits() {
		if !u.Live() {
			continue
		}
		n, err := c.registry.Set().Count(ctx, u.ID)
		if err != nil {
			c.log.Warn("count failed while routing", slog.String("unit", string(u.ID)), slog.String("error", err.Error()))
			continue
		}
		if n >= c.cfg.PerUnitScaleUpThreshold {
			continue
		}
		if best == "" || n < bestCount {
			best, bestCount = u.ID, n
		}
	}
	if best != "" {
		return best, nil
	}
	if primary := c.lifecycle.PrimaryUnit(); primary != "" {
		return primary, nil
	}
	return "", ErrNoCapacity
}

// Units returns the cached units with their current counts.
func (c *Controller) Units(ctx context.Context) ([]UnitStatus, error) {
	units := c.cachedUnits()
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		n, err := c.registry.Set().Count(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, UnitStatus{CapacityUnit: u, Viewers: n})
	}
	return out, nil
}

// SeedHints protects units that were busy in a restored snapshot from
// scale-down for RestoreHintWindow. Counts stay authoritative otherwise.
func (c *Controller) SeedHints(counts map[presence.UnitID]int64) int {
	until := c.clock.Now().Add(c.cfg.RestoreHintWindow)
	c.mu.Lock()
	defer c.mu.Unlock()
	seeded := 0
	for id, n := range counts {
		if n > c.cfg.ScaleDownThreshold {
			c.hints[id] = until
			seeded++
		}
	}
	return seeded
}

func (c *Controller) hinted(id presence.UnitID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.hints[id]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(c.hints, id)
		return false
	}
	return true
}

func (c *Controller) counts(ctx context.Context, units []CapacityUnit) (map[presence.UnitID]int64, error) {
	out := make(map[presence.UnitID]int64, len(units))
	for _, u := range units {
		n, err := c.registry.Set().Count(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", u.ID, err)
		}
		out[u.ID] = n
	}
	return out, nil
}

func (c *Controller) currentBroadcaster(ctx context.Context) (Broadcaster, bool) {
	bc, ok, err := c.broadcaster.Current(ctx)
	if err != nil {
		c.log.Warn("read broadcaster failed", slog.String("error", err.Error()))
		return Broadcaster{}, false
	}
	return bc, ok
}

func (c *Controller) observe(counts map[presence.UnitID]int64, units int, utilization float64) {
	if c.metrics == nil {
		return
	}
	byName := make(map[string]int64, len(counts))
	for id, n := range counts {
		byName[string(id)] = n
	}
	c.metrics.SetViewers(byName)
	c.metrics.SetCapacity(units, utilization)
}

func (c *Controller) setUnits(units []CapacityUnit) {
	cp := make([]CapacityUnit, len(units))
	copy(cp, units)
	c.mu.Lock()
	c.units = cp
	c.mu.Unlock()
}

func (c *Controller) cachedUnits() []CapacityUnit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.units
}

// busiestUnit returns the live unit with the most viewers, first on ties.
func busiestUnit(units []CapacityUnit, counts map[presence.UnitID]int64) (CapacityUnit, bool) {
	var (
		best  CapacityUnit
		found bool
	)
	for _, u := range units {
		if !u.Live() {
			continue
		}
		if !found || counts[u.ID] > counts[best.ID] {
			best, found = u, true
		}
	}
	return best, found
}

// replicationSource picks the unit's parent when it is still live, else the
// broadcaster's own unit.
func replicationSource(u CapacityUnit, units []CapacityUnit, bc Broadcaster) presence.UnitID {
	if u.ParentID != "" {
		for _, p := range units {
			if p.ID == u.ParentID && p.Live() {
				return p.ID
			}
		}
	}
	return bc.UnitID
}
