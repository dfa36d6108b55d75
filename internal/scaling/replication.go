package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/store"
)

const replicationKeyPrefix = "replication:"

func replicationKey(dest presence.UnitID) string {
	return replicationKeyPrefix + string(dest)
}

// ReplicationLink records an active mirror into DestUnit.
type ReplicationLink struct {
	SourceUnit    presence.UnitID `json:"source_unit"`
	DestUnit      presence.UnitID `json:"dest_unit"`
	ParticipantID string          `json:"participant_id"`
	StartedAt     time.Time       `json:"started_at"`
}

// StartOutcome is the result of Coordinator.Start as reported to callers
// and metrics.
type StartOutcome string

const (
	OutcomeLinked        StartOutcome = "linked"
	OutcomeNotPublishing StartOutcome = "not_publishing"
	OutcomeUnsupported   StartOutcome = "unsupported"
	OutcomeFailed        StartOutcome = "failed"
)

// ReplicationRecorder counts start attempts by outcome.
type ReplicationRecorder interface {
	IncReplication(outcome string)
}

// Coordinator starts and stops replication links and persists them.
type Coordinator struct {
	repl    Replicator
	store   store.Store
	clock   quartz.Clock
	timeout time.Duration
	metrics ReplicationRecorder
	log     *slog.Logger
}

// NewCoordinator returns a Coordinator. metrics may be nil.
func NewCoordinator(repl Replicator, s store.Store, clock quartz.Clock, timeout time.Duration, metrics ReplicationRecorder, log *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultCollaboratorTimeout
	}
	return &Coordinator{repl: repl, store: s, clock: clock, timeout: timeout, metrics: metrics, log: log}
}

// Start mirrors participantID from source into dest. NotPublishing and
// Unsupported are returned as outcomes with a nil error; only a failed
// collaborator call or store write is an error.
func (c *Coordinator) Start(ctx context.Context, source, dest presence.UnitID, participantID string) (StartOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.repl.Start(cctx, source, dest, participantID)
	if err != nil {
		c.record(OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("start replication %s->%s: %w", source, dest, err)
	}

	attrs := []any{
		slog.String("source", string(source)),
		slog.String("dest", string(dest)),
		slog.String("participant", participantID),
	}
	switch res {
	case ReplicationNotPublishing:
		c.record(OutcomeNotPublishing)
		c.log.Info("broadcaster not publishing yet, replication deferred", attrs...)
		return OutcomeNotPublishing, nil
	case ReplicationUnsupported:
		c.record(OutcomeUnsupported)
		c.log.Warn("replication unsupported", attrs...)
		return OutcomeUnsupported, nil
	}

	link := ReplicationLink{
		SourceUnit:    source,
		DestUnit:      dest,
		ParticipantID: participantID,
		StartedAt:     c.clock.Now().UTC(),
	}
	if err := saveRecord(ctx, c.store, replicationKey(dest), link); err != nil {
		c.record(OutcomeFailed)
		return OutcomeFailed, err
	}
	c.record(OutcomeLinked)
	c.log.Info("replication linked", attrs...)
	return OutcomeLinked, nil
}

// Stop tears down the link into dest. The stored link is cleared whatever
// the collaborator reports; a missing link is a no-op.
func (c *Coordinator) Stop(ctx context.Context, dest presence.UnitID) error {
	link, ok, err := c.Link(ctx, dest)
	if err != nil || !ok {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stopErr := c.repl.Stop(cctx, link.SourceUnit, link.DestUnit, link.ParticipantID)

	if err := deleteRecord(ctx, c.store, replicationKey(dest)); err != nil {
		c.log.Warn("clear replication link failed",
			slog.String("dest", string(dest)),
			slog.String("error", err.Error()))
	}
	if stopErr != nil {
		return fmt.Errorf("stop replication into %s: %w", dest, stopErr)
	}
	c.log.Info("replication stopped", slog.String("dest", string(dest)))
	return nil
}

// Link returns the active link into dest, if any.
func (c *Coordinator) Link(ctx context.Context, dest presence.UnitID) (ReplicationLink, bool, error) {
	var link ReplicationLink
	ok, err := loadRecord(ctx, c.store, c.log, replicationKey(dest), &link)
	if err != nil || !ok {
		return ReplicationLink{}, false, err
	}
	return link, true, nil
}

func (c *Coordinator) record(o StartOutcome) {
	if c.metrics != nil {
		c.metrics.IncReplication(string(o))
	}
}
