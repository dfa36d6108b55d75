package scaling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/store"
)

const primaryUnit presence.UnitID = "primary"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvisioner struct {
	mu        sync.Mutex
	units     []UnitDescriptor
	next      int
	createErr error
	deleteErr error
	listErr   error
}

func (p *fakeProvisioner) Create(_ context.Context, tags map[string]string) (presence.UnitID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.next++
	id := presence.UnitID(fmt.Sprintf("unit-%d", p.next))
	p.units = append(p.units, UnitDescriptor{ID: id, Tags: tags})
	return id, nil
}

func (p *fakeProvisioner) Delete(_ context.Context, id presence.UnitID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	for i, u := range p.units {
		if u.ID == id {
			p.units = append(p.units[:i], p.units[i+1:]...)
			return nil
		}
	}
	return ErrUnitNotFound
}

func (p *fakeProvisioner) List(context.Context) ([]UnitDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]UnitDescriptor, len(p.units))
	copy(out, p.units)
	return out, nil
}

func (p *fakeProvisioner) ids() []presence.UnitID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]presence.UnitID, len(p.units))
	for i, u := range p.units {
		out[i] = u.ID
	}
	return out
}

type replicationCall struct {
	source, dest presence.UnitID
	participant  string
}

type fakeReplicator struct {
	mu       sync.Mutex
	result   ReplicationResult
	startErr error
	stopErr  error
	starts   []replicationCall
	stops    []replicationCall
}

func (r *fakeReplicator) Start(_ context.Context, source, dest presence.UnitID, participant string) (ReplicationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, replicationCall{source, dest, participant})
	return r.result, r.startErr
}

func (r *fakeReplicator) Stop(_ context.Context, source, dest presence.UnitID, participant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, replicationCall{source, dest, participant})
	return r.stopErr
}

type recordingObserver struct {
	mu      sync.Mutex
	created []CapacityUnit
	deleted []CapacityUnit
}

func (o *recordingObserver) UnitCreated(_ context.Context, u CapacityUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, u)
}

func (o *recordingObserver) UnitDeleted(_ context.Context, u CapacityUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, u)
}

type recordingMetrics struct {
	viewers    map[string]int64
	units      int
	util       float64
	scaleUps   int
	scaleDowns int
	anomalies  int
	outcomes   map[string]int
}

func (m *recordingMetrics) SetViewers(c map[string]int64) { m.viewers = c }
func (m *recordingMetrics) SetCapacity(n int, u float64) { m.units, m.util = n, u }
func (m *recordingMetrics) IncScaleUp() { m.scaleUps++ }
func (m *recordingMetrics) IncScaleDown() { m.scaleDowns++ }
func (m *recordingMetrics) IncAnomaly() { m.anomalies++ }
func (m *recordingMetrics) IncReplication(outcome string) {
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

type fixture struct {
	clock   *quartz.Mock
	store   *store.MemoryStore
	prov    *fakeProvisioner
	repl    *fakeReplicator
	reg     *presence.Registry
	life    *Lifecycle
	coord   *Coordinator
	bcs     *BroadcasterRegistry
	obs     *recordingObserver
	metrics *recordingMetrics
	ctrl    *Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	st := store.NewMemoryStore(clock)
	log := testLogger()

	f := &fixture{
		clock:   clock,
		store:   st,
		prov:    &fakeProvisioner{units: []UnitDescriptor{{ID: primaryUnit}}},
		repl:    &fakeReplicator{},
		obs:     &recordingObserver{},
		metrics: &recordingMetrics{},
	}
	f.reg = presence.NewRegistry(presence.NewPresenceSet(st, log), st, clock, presence.DefaultHeartbeatTimeout, log)
	f.life = NewLifecycle(f.prov, st, clock, LifecycleConfig{PrimaryUnit: primaryUnit, Environment: "test"}, log)
	f.coord = NewCoordinator(f.repl, st, clock, 0, f.metrics, log)
	f.bcs = NewBroadcasterRegistry(st, clock, log)
	f.ctrl = NewController(cfg, Dependencies{
		Lifecycle:   f.life,
		Replication: f.coord,
		Broadcaster: f.bcs,
		Registry:    f.reg,
		Observer:    f.obs,
		Metrics:     f.metrics,
		Clock:       clock,
		Log:         log,
	})
	return f
}

// join adds n viewers named prefix-0..n-1 to unit.
func (f *fixture) join(t *testing.T, unit presence.UnitID, prefix string, n int) {
	t.Helper()
	for i := range n {
		_, err := f.reg.RecordJoin(context.Background(), presence.ViewerID(fmt.Sprintf("%s-%d", prefix, i)), unit, "p")
		require.NoError(t, err)
	}
}

func (f *fixture) cycle(t *testing.T) CycleReport {
	t.Helper()
	rep, err := f.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

func (f *fixture) count(t *testing.T, unit presence.UnitID) int64 {
	t.Helper()
	n, err := f.reg.Set().Count(context.Background(), unit)
	require.NoError(t, err)
	return n
}
