// Package provider holds the provisioning and replication backends the
// capacity controller drives, plus circuit breakers around them.
package provider

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/scaling"
)

// LocalProvisioner keeps capacity units in process memory. It stands in for
// a cloud provisioning API in single-node deployments and tests.
type LocalProvisioner struct {
	prefix string

	mu    sync.Mutex
	units map[presence.UnitID]map[string]string
	order []presence.UnitID
}

// NewLocalProvisioner returns a provisioner that already lists existing,
// typically the primary unit. New ids are prefix followed by a UUID.
func NewLocalProvisioner(prefix string, existing ...presence.UnitID) *LocalProvisioner {
	p := &LocalProvisioner{prefix: prefix, units: make(map[presence.UnitID]map[string]string)}
	for _, id := range existing {
		if id == "" {
			continue
		}
		p.units[id] = map[string]string{}
		p.order = append(p.order, id)
	}
	return p
}

func (p *LocalProvisioner) Create(ctx context.Context, tags map[string]string) (presence.UnitID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := presence.UnitID(p.prefix + uuid.NewString())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[id] = maps.Clone(tags)
	p.order = append(p.order, id)
	return id, nil
}

func (p *LocalProvisioner) Delete(ctx context.Context, id presence.UnitID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.units[id]; !ok {
		return scaling.ErrUnitNotFound
	}
	delete(p.units, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *LocalProvisioner) List(ctx context.Context) ([]scaling.UnitDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]scaling.UnitDescriptor, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, scaling.UnitDescriptor{ID: id, Tags: maps.Clone(p.units[id])})
	}
	return out, nil
}

// BroadcasterSource reports the live broadcaster.
type BroadcasterSource interface {
	Current(ctx context.Context) (scaling.Broadcaster, bool, error)
}

// LocalReplicator tracks mirror links in memory. A participant is
// publishing on a unit when it is the registered broadcaster of that unit
// or when a link already mirrors it into that unit.
type LocalReplicator struct {
	broadcaster BroadcasterSource

	mu    sync.Mutex
	links map[presence.UnitID]link
}

type link struct {
	source      presence.UnitID
	participant string
}

func NewLocalReplicator(broadcaster BroadcasterSource) *LocalReplicator {
	return &LocalReplicator{broadcaster: broadcaster, links: make(map[presence.UnitID]link)}
}

func (r *LocalReplicator) Start(ctx context.Context, source, dest presence.UnitID, participantID string) (scaling.ReplicationResult, error) {
	if source == dest {
		return scaling.ReplicationUnsupported, nil
	}
	bc, ok, err := r.broadcaster.Current(ctx)
	if err != nil {
		return 0, err
	}
	if !ok || bc.ParticipantID != participantID {
		return scaling.ReplicationNotPublishing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if source != bc.UnitID {
		if l, mirrored := r.links[source]; !mirrored || l.participant != participantID {
			return scaling.ReplicationNotPublishing, nil
		}
	}
	r.links[dest] = link{source: source, participant: participantID}
	return scaling.ReplicationOK, nil
}

func (r *LocalReplicator) Stop(_ context.Context, source, dest presence.UnitID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, dest)
	return nil
}

// Linked reports whether dest currently receives a mirror.
func (r *LocalReplicator) Linked(dest presence.UnitID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[dest]
	return ok
}
