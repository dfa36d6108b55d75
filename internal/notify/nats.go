package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"broadcast-scaler/internal/scaling"
)

// DefaultSubjectPrefix is the subject root for unit events.
const DefaultSubjectPrefix = "units"

// NATSObserver publishes unit events as JSON on <prefix>.created and
// <prefix>.deleted. Publish failures are logged and dropped.
type NATSObserver struct {
	nc     *nats.Conn
	prefix string
	clock  quartz.Clock
	log    *slog.Logger
}

// NewNATSObserver connects to url. The connection retries in the
// background, so a broker that starts later is picked up.
func NewNATSObserver(url, prefix string, clock quartz.Clock, log *slog.Logger) (*NATSObserver, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("broadcast-scaler"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSObserver{nc: nc, prefix: prefix, clock: clock, log: log}, nil
}

// Subject returns the subject used for an event type suffix.
func (o *NATSObserver) Subject(suffix string) string {
	return o.prefix + "." + suffix
}

func (o *NATSObserver) UnitCreated(_ context.Context, unit scaling.CapacityUnit) {
	o.publish("created", UnitEvent{Type: EventUnitCreated, Unit: unit, OccurredAt: o.clock.Now().UTC()})
}

func (o *NATSObserver) UnitDeleted(_ context.Context, unit scaling.CapacityUnit) {
	o.publish("deleted", UnitEvent{Type: EventUnitDeleted, Unit: unit, OccurredAt: o.clock.Now().UTC()})
}

func (o *NATSObserver) publish(suffix string, ev UnitEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		o.log.Error("encode unit event failed", slog.String("error", err.Error()))
		return
	}
	if err := o.nc.Publish(o.Subject(suffix), data); err != nil {
		o.log.Warn("publish unit event failed",
			slog.String("subject", o.Subject(suffix)),
			slog.String("error", err.Error()))
	}
}

// Close flushes pending events and closes the connection.
func (o *NATSObserver) Close() error {
	return o.nc.Drain()
}
