package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingService struct {
	name   string
	starts atomic.Int32
	stops  atomic.Int32
}

func (c *countingService) Serve(ctx context.Context) error {
	c.starts.Add(1)
	defer c.stops.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return c.name }

type blockingServer struct {
	stop     chan struct{}
	shutdown atomic.Int32
}

func (b *blockingServer) ListenAndServe() error {
	<-b.stop
	return http.ErrServerClosed
}

func (b *blockingServer) Shutdown(context.Context) error {
	b.shutdown.Add(1)
	close(b.stop)
	return nil
}

type failingServer struct{}

func (failingServer) ListenAndServe() error          { return errors.New("address in use") }
func (failingServer) Shutdown(context.Context) error { return nil }

type fakeLifecycle struct {
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeLifecycle) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeLifecycle) Stop() error {
	f.stopped.Store(true)
	return nil
}

func TestNewTree_defaults(t *testing.T) {
	tree := NewTree("scaler", quietLogger(), TreeConfig{})
	cfg := tree.Config()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("expected default FailureThreshold 5.0, got %f", cfg.FailureThreshold)
	}
	if cfg.FailureDecay != 30.0 {
		t.Errorf("expected default FailureDecay 30.0, got %f", cfg.FailureDecay)
	}
	if cfg.FailureBackoff != 15*time.Second {
		t.Errorf("expected default FailureBackoff 15s, got %v", cfg.FailureBackoff)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected default ShutdownTimeout 10s, got %v", cfg.ShutdownTimeout)
	}
}

func TestTree_runs_every_layer(t *testing.T) {
	tree := NewTree("scaler", quietLogger(), TreeConfig{FailureBackoff: 50 * time.Millisecond, ShutdownTimeout: time.Second})

	svcs := []*countingService{{name: "messaging"}, {name: "control"}, {name: "api"}}
	tree.AddMessagingService(svcs[0])
	tree.AddControlService(svcs[1])
	tree.AddAPIService(svcs[2])

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(2 * time.Second)
	for _, s := range svcs {
		for s.starts.Load() == 0 {
			select {
			case <-deadline:
				t.Fatalf("%s never started", s.name)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	for _, s := range svcs {
		if s.stops.Load() != 1 {
			t.Errorf("%s: expected one stop, got %d", s.name, s.stops.Load())
		}
	}
	report, err := tree.UnstoppedServiceReport()
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report) != 0 {
		t.Errorf("expected no unstopped services, got %v", report)
	}
}

func TestHTTPServerService_graceful_shutdown(t *testing.T) {
	var _ suture.Service = (*HTTPServerService)(nil)
	srv := &blockingServer{stop: make(chan struct{})}
	svc := NewHTTPServerService(srv, 0)
	if svc.shutdownTimeout != 10*time.Second {
		t.Errorf("expected default timeout, got %v", svc.shutdownTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdown.Load() != 1 {
		t.Errorf("expected one Shutdown call, got %d", srv.shutdown.Load())
	}
}

func TestHTTPServerService_listen_failure(t *testing.T) {
	err := NewHTTPServerService(failingServer{}, time.Second).Serve(context.Background())
	if err == nil {
		t.Fatal("expected listen error")
	}
}

func TestLifecycleService(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		comp := &fakeLifecycle{}
		svc := NewLifecycleService("nats", comp)
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()

		for !comp.started.Load() {
			time.Sleep(time.Millisecond)
		}
		cancel()
		<-errCh
		if !comp.stopped.Load() {
			t.Error("Stop was not called")
		}
		if svc.String() != "nats" {
			t.Errorf("unexpected name %q", svc.String())
		}
	})

	t.Run("start failure", func(t *testing.T) {
		comp := &fakeLifecycle{startErr: errors.New("port taken")}
		err := NewLifecycleService("nats", comp).Serve(context.Background())
		if err == nil || comp.stopped.Load() {
			t.Errorf("expected start error without stop, got %v", err)
		}
	})
}
