package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// DefaultCleanupInterval is how often the reconciler sweeps.
const DefaultCleanupInterval = 30 * time.Second

// Removal reasons reported to the RemovalRecorder.
const (
	ReasonExpired  = "expired"
	ReasonOrphaned = "orphaned"
)

// RemovalRecorder receives one call per viewer removed by a sweep.
// Metrics may be nil.
type RemovalRecorder interface {
	IncReconcileRemoved(reason string)
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Units    int
	Checked  int
	Expired  int
	Orphaned int
	Failed   int
}

// Reconciler is the only authority for detecting silent disconnects. It
// removes members whose session is missing or whose heartbeat lapsed.
type Reconciler struct {
	registry *Registry
	clock    quartz.Clock
	metrics  RemovalRecorder
	log      *slog.Logger
}

// NewReconciler returns a Reconciler over registry.
func NewReconciler(registry *Registry, clock quartz.Clock, metrics RemovalRecorder, log *slog.Logger) *Reconciler {
	return &Reconciler{registry: registry, clock: clock, metrics: metrics, log: log}
}

// Reconcile sweeps every unit once. Per-viewer failures are logged and
// counted; they never stop the sweep. The returned error is non-nil only
// when the unit enumeration itself failed.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	units, err := r.registry.Set().Units(ctx)
	if err != nil {
		r.log.Error("reconcile: enumerate units failed", slog.String("error", err.Error()))
		return rep, err
	}
	rep.Units = len(units)

	for _, unit := range units {
		r.reconcileUnit(ctx, unit, &rep)
	}

	if rep.Expired+rep.Orphaned > 0 || rep.Failed > 0 {
		r.log.Info("reconcile finished",
			slog.Int("units", rep.Units),
			slog.Int("checked", rep.Checked),
			slog.Int("expired", rep.Expired),
			slog.Int("orphaned", rep.Orphaned),
			slog.Int("failed", rep.Failed))
	}
	return rep, nil
}

// Run adapts Reconcile to a scheduler task.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}

func (r *Reconciler) reconcileUnit(ctx context.Context, unit UnitID, rep *ReconcileReport) {
	members, err := r.registry.Set().Members(ctx, unit)
	if err != nil {
		r.log.Error("reconcile: list members failed",
			slog.String("unit_id", string(unit)),
			slog.String("error", err.Error()))
		rep.Failed++
		return
	}

	now := r.clock.Now()
	timeout := r.registry.Timeout()

	for _, viewer := range members {
		rep.Checked++

		sess, ok, err := r.registry.Session(ctx, viewer, unit)
		if err != nil {
			r.log.Error("reconcile: session lookup failed",
				slog.String("unit_id", string(unit)),
				slog.String("viewer_id", string(viewer)),
				slog.String("error", err.Error()))
			rep.Failed++
			continue
		}

		var reason string
		switch {
		case !ok:
			reason = ReasonOrphaned
			r.log.Warn("orphaned membership without session",
				slog.String("unit_id", string(unit)),
				slog.String("viewer_id", string(viewer)))
		case now.Sub(sess.LastHeartbeat()) > timeout:
			reason = ReasonExpired
			r.log.Warn("heartbeat timed out",
				slog.String("unit_id", string(unit)),
				slog.String("viewer_id", string(viewer)),
				slog.Int64("inactive_seconds", int64(now.Sub(sess.LastHeartbeat())/time.Second)))
		default:
			continue
		}

		if err := r.registry.Expire(ctx, viewer, unit); err != nil {
			r.log.Error("reconcile: remove viewer failed",
				slog.String("unit_id", string(unit)),
				slog.String("viewer_id", string(viewer)),
				slog.String("error", err.Error()))
			rep.Failed++
			continue
		}

		if reason == ReasonExpired {
			rep.Expired++
		} else {
			rep.Orphaned++
		}
		if r.metrics != nil {
			r.metrics.IncReconcileRemoved(reason)
		}
	}
}
