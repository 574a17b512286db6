package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix namespaces run change subjects: <prefix>.runs.<run_id>.
const DefaultSubjectPrefix = "agentflow"

// NATSHub is an EventHub that fans run events out over NATS core subjects, so
// observers in other processes can follow runs.
type NATSHub struct {
	nc     *nats.Conn
	prefix string
	buffer int
	logger *slog.Logger
	owned  bool
}

// NewNATSHub wraps an existing connection. The caller keeps ownership of nc.
func NewNATSHub(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSHub {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSHub{nc: nc, prefix: prefix, buffer: defaultChannelBuffer, logger: logger}
}

// ConnectNATSHub dials url and returns a hub that closes the connection on Close.
func ConnectNATSHub(url, prefix string, logger *slog.Logger) (*NATSHub, error) {
	nc, err := nats.Connect(url, nats.Name("agentflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	h := NewNATSHub(nc, prefix, logger)
	h.owned = true
	return h, nil
}

func (h *NATSHub) subject(runID string) string {
	if runID == "" {
		return h.prefix + ".runs.*"
	}
	return h.prefix + ".runs." + runID
}

// Publish encodes the event as JSON and publishes it on the run's subject.
func (h *NATSHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return h.nc.Publish(h.subject(event.RunID), data)
}

// natsSubscription bridges a NATS callback subscription onto a channel.
type natsSubscription struct {
	mu     sync.Mutex
	ch     chan StreamEvent
	sub    *nats.Subscription
	closed bool
}

func (s *natsSubscription) deliver(evt StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
		s.closeLocked()
	}
}

func (s *natsSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *natsSubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.ch)
}

// Subscribe subscribes to the filter's run subject (all runs when RunID is
// empty). A subscriber that falls behind has its channel closed.
func (h *NATSHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &natsSubscription{ch: make(chan StreamEvent, h.buffer)}
	s.mu.Lock()
	sub, err := h.nc.Subscribe(h.subject(filter.RunID), func(msg *nats.Msg) {
		var evt StreamEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			h.logger.Warn("dropping malformed stream event",
				slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		if matchFilter(filter, evt) {
			s.deliver(evt)
		}
	})
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("subscribe %s: %w", h.subject(filter.RunID), err)
	}
	s.sub = sub
	s.mu.Unlock()

	// Make sure the server has registered interest before returning, so an
	// immediately following Publish is not missed.
	if err := h.nc.FlushTimeout(2 * time.Second); err != nil {
		s.close()
		return nil, nil, fmt.Errorf("flush subscription: %w", err)
	}

	stop := context.AfterFunc(ctx, s.close)
	cancel := func() {
		stop()
		s.close()
	}
	return s.ch, cancel, nil
}

// Close drains the connection when the hub owns it.
func (h *NATSHub) Close() error {
	if !h.owned {
		return nil
	}
	return h.nc.Drain()
}

// EmbeddedServer runs an in-process NATS server for single-binary deployments.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer starts a NATS server on host:port. Port -1 picks a
// random free port.
func StartEmbeddedServer(host string, port int) (*EmbeddedServer, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "agentflow_embedded",
		Host:       host,
		Port:       port,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("nats server failed to start within 5s")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients should connect to.
func (e *EmbeddedServer) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
