package scaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/store"
)

const broadcasterKey = "broadcaster"

// Broadcaster is the live publisher that new units mirror.
type Broadcaster struct {
	UnitID        presence.UnitID `json:"unit_id"`
	ParticipantID string          `json:"participant_id"`
	Since         time.Time       `json:"since"`
}

// BroadcasterRegistry stores the current broadcaster.
type BroadcasterRegistry struct {
	store store.Store
	clock quartz.Clock
	log   *slog.Logger
}

func NewBroadcasterRegistry(s store.Store, clock quartz.Clock, log *slog.Logger) *BroadcasterRegistry {
	return &BroadcasterRegistry{store: s, clock: clock, log: log}
}

// Set records participantID publishing on unit, replacing any previous one.
func (r *BroadcasterRegistry) Set(ctx context.Context, unit presence.UnitID, participantID string) (Broadcaster, error) {
	b := Broadcaster{UnitID: unit, ParticipantID: participantID, Since: r.clock.Now().UTC()}
	if err := saveRecord(ctx, r.store, broadcasterKey, b); err != nil {
		return Broadcaster{}, err
	}
	r.log.Info("broadcaster set",
		slog.String("unit", string(unit)),
		slog.String("participant", participantID))
	return b, nil
}

// Clear forgets the broadcaster. Existing links are left in place.
func (r *BroadcasterRegistry) Clear(ctx context.Context) error {
	return deleteRecord(ctx, r.store, broadcasterKey)
}

// Current returns the live broadcaster, if one is known.
func (r *BroadcasterRegistry) Current(ctx context.Context) (Broadcaster, bool, error) {
	var b Broadcaster
	ok, err := loadRecord(ctx, r.store, r.log, broadcasterKey, &b)
	if err != nil || !ok {
		return Broadcaster{}, false, err
	}
	return b, true, nil
}
