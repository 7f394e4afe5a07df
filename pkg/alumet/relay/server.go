package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
	"github.com/alumet-go/alumet/pkg/alumet/units"
)

// ServerConfig configures a relay Server.
type ServerConfig struct {
	// ListenAddr is the TCP address to accept client connections on, e.g.
	// ":50051".
	ListenAddr string

	// QueueDepth bounds the server's decode-to-poll staging queue. A full
	// queue means the collector's own poll loop is falling behind; new
	// points are dropped and logged rather than blocking the connection
	// that produced them, so one slow consumer can't stall every client.
	QueueDepth int
}

func (c *ServerConfig) withDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
}

type decoded struct {
	clientID string
	wp       WirePoint
}

// Server is the relay's Source half: it accepts connections from one or
// more Clients, decodes their framed batches, and surfaces the resulting
// points to the collector's own pipeline on every Poll call.
//
// Each client's metric names live in their own namespace — the server
// never assumes two clients' "cpu_time" metric refer to the same thing —
// so every relayed metric is registered locally as "<client-id>/<name>",
// keeping name collisions across clients namespaced by client id.
type Server struct {
	cfg     ServerConfig
	metrics *metric.Registry
	logger  *slog.Logger

	listener net.Listener
	incoming chan decoded

	mu       sync.Mutex
	resolved map[string]metric.Id

	wg sync.WaitGroup
}

// NewServer starts listening on cfg.ListenAddr and returns a Server ready
// to be registered as a pipeline Source. metrics is the collector
// pipeline's metric registry: relayed metrics are created in it lazily,
// the first time each client/name pair is seen.
func NewServer(cfg ServerConfig, metrics *metric.Registry, logger *slog.Logger) (*Server, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = discardlog.New()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen on %s: %w", cfg.ListenAddr, err)
	}

	s := &Server{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		listener: ln,
		incoming: make(chan decoded, cfg.QueueDepth),
		resolved: make(map[string]metric.Id),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listener's actual address, useful when ListenAddr was
// given as "host:0" and the OS picked an ephemeral port (e.g. in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting new connections and waits for in-flight
// connection handlers to return.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed by Server.Close
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Info("relay: client connected", "remote", remote)

	for {
		f, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("relay: connection error, closing", "remote", remote, "error", err.Error())
			}
			return
		}
		for _, wp := range f.Batch {
			select {
			case s.incoming <- decoded{clientID: f.ClientID, wp: wp}:
			default:
				s.logger.Warn("relay: incoming queue full, dropping point", "client_id", f.ClientID, "metric", wp.MetricName)
			}
		}
	}
}

// Poll implements element.Source: it drains whatever has been decoded
// since the last tick without blocking. The points it yields carry
// timestamps assigned by the originating client; ts is not used.
func (s *Server) Poll(acc *measurement.Accumulator, ts time.Time) error {
	for {
		select {
		case d := <-s.incoming:
			p, err := s.toPoint(d)
			if err != nil {
				s.logger.Warn("relay: dropping point, could not resolve metric", "client_id", d.clientID, "metric", d.wp.MetricName, "error", err.Error())
				continue
			}
			acc.Push(p)
		default:
			return nil
		}
	}
}

func (s *Server) toPoint(d decoded) (measurement.MeasurementPoint, error) {
	id, err := s.resolveMetric(d.clientID, d.wp)
	if err != nil {
		return measurement.MeasurementPoint{}, err
	}
	return fromWire(d.wp, id), nil
}

// resolveMetric returns the local Id for a client's metric name, creating
// it on first sight. Unlike the rest of the pipeline, this mutates the
// registry after the pipeline has left the Building state — a deliberate,
// narrow exception documented in DESIGN.md: the registry's internal mutex
// already makes this safe, and the relay server is the one component that
// cannot know its input metric catalog in advance.
func (s *Server) resolveMetric(clientID string, wp WirePoint) (metric.Id, error) {
	name := clientID + "/" + wp.MetricName

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.resolved[name]; ok {
		return id, nil
	}
	if d, ok := s.metrics.ByName(name); ok {
		s.resolved[name] = d.Id
		return d.Id, nil
	}

	valueType := metric.U64
	if wp.IsFloat {
		valueType = metric.F64
	}
	id, err := s.metrics.Create(name, valueType, units.Plain(units.Unity), "relayed from client "+clientID)
	if err != nil {
		return 0, err
	}
	s.resolved[name] = id
	return id, nil
}
