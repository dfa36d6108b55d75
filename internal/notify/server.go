package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 10 * time.Second

// EmbeddedServer is an in-process NATS broker for single-node deployments
// that still want event subscribers. It can be started again after Stop,
// which lets a supervisor restart it.
type EmbeddedServer struct {
	host string
	port int

	mu sync.Mutex
	ns *server.Server
}

// NewEmbeddedServer returns an unstarted broker for host:port. Port -1 picks
// a free port on Start.
func NewEmbeddedServer(host string, port int) *EmbeddedServer {
	return &EmbeddedServer{host: host, port: port}
}

// StartEmbeddedServer creates and starts a broker.
func StartEmbeddedServer(host string, port int) (*EmbeddedServer, error) {
	s := NewEmbeddedServer(host, port)
	if err := s.Start(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the broker and waits until it accepts connections.
func (s *EmbeddedServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ns != nil {
		return nil
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "broadcast-scaler",
		Host:       s.host,
		Port:       s.port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()

	wait := readyTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !ns.ReadyForConnections(wait) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready within %s", wait)
	}
	s.ns = ns
	return nil
}

// Stop shuts the broker down and waits for it to exit.
func (s *EmbeddedServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ns == nil {
		return nil
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.ns = nil
	return nil
}

// Shutdown is Stop without the error, for deferred cleanup.
func (s *EmbeddedServer) Shutdown() {
	_ = s.Stop()
}

// ClientURL is the URL clients connect to. Before Start it is derived from
// the configured address.
func (s *EmbeddedServer) ClientURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ns != nil {
		return s.ns.ClientURL()
	}
	return "nats://" + net.JoinHostPort(s.host, strconv.Itoa(s.port))
}
