package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/scaling"
)

// BreakerConfig configures the circuit breaker around a collaborator.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig opens after five consecutive failures and probes
// again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateRecorder is told about breaker transitions.
type StateRecorder interface {
	SetBreakerState(name string, state float64)
}

func settings(name string, cfg BreakerConfig, rec StateRecorder, log *slog.Logger) gobreaker.Settings {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if rec != nil {
				rec.SetBreakerState(name, float64(to))
			}
		},
		// A unit that is already gone is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, scaling.ErrUnitNotFound) || errors.Is(err, context.Canceled)
		},
	}
}

// BreakerProvisioner guards a Provisioner with circuit breakers. While open,
// calls fail fast with gobreaker.ErrOpenState.
type BreakerProvisioner struct {
	next   scaling.Provisioner
	create *gobreaker.CircuitBreaker[presence.UnitID]
	list   *gobreaker.CircuitBreaker[[]scaling.UnitDescriptor]
	del    *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerProvisioner(next scaling.Provisioner, cfg BreakerConfig, rec StateRecorder, log *slog.Logger) *BreakerProvisioner {
	return &BreakerProvisioner{
		next:   next,
		create: gobreaker.NewCircuitBreaker[presence.UnitID](settings("provisioner-create", cfg, rec, log)),
		list:   gobreaker.NewCircuitBreaker[[]scaling.UnitDescriptor](settings("provisioner-list", cfg, rec, log)),
		del:    gobreaker.NewCircuitBreaker[struct{}](settings("provisioner-delete", cfg, rec, log)),
	}
}

func (b *BreakerProvisioner) Create(ctx context.Context, tags map[string]string) (presence.UnitID, error) {
	return b.create.Execute(func() (presence.UnitID, error) {
		return b.next.Create(ctx, tags)
	})
}

func (b *BreakerProvisioner) Delete(ctx context.Context, id presence.UnitID) error {
	_, err := b.del.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Delete(ctx, id)
	})
	return err
}

func (b *BreakerProvisioner) List(ctx context.Context) ([]scaling.UnitDescriptor, error) {
	return b.list.Execute(func() ([]scaling.UnitDescriptor, error) {
		return b.next.List(ctx)
	})
}

// BreakerReplicator guards a Replicator.
type BreakerReplicator struct {
	next  scaling.Replicator
	start *gobreaker.CircuitBreaker[scaling.ReplicationResult]
	stop  *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerReplicator(next scaling.Replicator, cfg BreakerConfig, rec StateRecorder, log *slog.Logger) *BreakerReplicator {
	return &BreakerReplicator{
		next:  next,
		start: gobreaker.NewCircuitBreaker[scaling.ReplicationResult](settings("replicator-start", cfg, rec, log)),
		stop:  gobreaker.NewCircuitBreaker[struct{}](settings("replicator-stop", cfg, rec, log)),
	}
}

func (b *BreakerReplicator) Start(ctx context.Context, source, dest presence.UnitID, participantID string) (scaling.ReplicationResult, error) {
	return b.start.Execute(func() (scaling.ReplicationResult, error) {
		return b.next.Start(ctx, source, dest, participantID)
	})
}

func (b *BreakerReplicator) Stop(ctx context.Context, source, dest presence.UnitID, participantID string) error {
	_, err := b.stop.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Stop(ctx, source, dest, participantID)
	})
	return err
}
