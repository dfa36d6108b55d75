// Package notify delivers capacity unit events to interested parties.
package notify

import (
	"context"
	"log/slog"
	"time"

	"broadcast-scaler/internal/scaling"
)

// Event types carried in UnitEvent.Type.
const (
	EventUnitCreated = "unit.created"
	EventUnitDeleted = "unit.deleted"
)

// UnitEvent is the wire form of a unit notification.
type UnitEvent struct {
	Type       string               `json:"type"`
	Unit       scaling.CapacityUnit `json:"unit"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// LogObserver writes unit events to a structured log.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (o *LogObserver) UnitCreated(ctx context.Context, unit scaling.CapacityUnit) {
	o.log.InfoContext(ctx, "capacity unit created",
		slog.String("unit", string(unit.ID)),
		slog.String("parent", string(unit.ParentID)),
		slog.String("state", string(unit.State)))
}

func (o *LogObserver) UnitDeleted(ctx context.Context, unit scaling.CapacityUnit) {
	o.log.InfoContext(ctx, "capacity unit deleted", slog.String("unit", string(unit.ID)))
}
