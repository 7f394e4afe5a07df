package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alumet-go/alumet/internal/discardlog"
	"github.com/alumet-go/alumet/pkg/alumet/element"
	"github.com/alumet-go/alumet/pkg/alumet/measurement"
	"github.com/alumet-go/alumet/pkg/alumet/metric"
)

// ClientConfig configures a relay Client.
type ClientConfig struct {
	// ServerAddr accepts an IPv4 literal, bracketed IPv6 ("[::1]:50051"),
	// or hostname:port.
	ServerAddr string

	// BufferMaxLength is the client-side pending-frame queue depth used
	// while disconnected or reconnecting. 0 makes Write synchronous: it
	// blocks on the live connection and returns a transient WriteError if
	// none is available.
	BufferMaxLength int

	// BlockSender replaces the default drop-oldest policy when the pending
	// queue is full: the new frame is rejected with a transient WriteError
	// instead of evicting the oldest one. Write does not block, and the
	// rejected frame is not retried.
	BlockSender bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ClientID identifies this client across reconnects; a random UUID is
	// generated if empty. Reconnecting with the same ClientID resumes the
	// sequence counter; a different ClientID starts a fresh one.
	ClientID string
}

func (c *ClientConfig) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
}

// Client is the relay's Output half: it accepts batches from the local
// pipeline, serializes them into ordered framed messages, and delivers
// them to a Server over TCP, reconnecting with exponential backoff. Frames
// that could not be sent are queued (see BufferMaxLength) and resent in
// order after a reconnect. The protocol has no acknowledgements: a frame
// already written to a connection that later drops is not resent.
type Client struct {
	cfg        ClientConfig
	metricName metricNamer
	logger     *slog.Logger
	seq        uint64 // next sequence number to assign; guarded by mu

	mu      sync.Mutex
	conn    net.Conn
	pending []Frame // queued frames awaiting (re)send, oldest first
	dropped uint64  // count of frames discarded by drop-oldest

	// reconnect is only ever touched from connectLoop, so it needs no lock.
	reconnect *backoff.ExponentialBackOff

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewClient constructs a Client and starts its background connector
// goroutine. name resolves a point's metric.Id to the name it should
// travel under, typically pipeline.StartContext.ResolveMetricName.
func NewClient(cfg ClientConfig, name func(metric.Id) (string, bool), logger *slog.Logger) *Client {
	cfg.withDefaults()
	if logger == nil {
		logger = discardlog.New()
	}
	c := &Client{
		cfg:        cfg,
		metricName: name,
		logger:     logger,
		reconnect:  newReconnectBackoff(),
		closed:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.connectLoop()
	return c
}

// Write implements element.Output. It converts batch to wire points,
// assigns the next sequence number, and either sends immediately (if
// connected) or queues the frame per the configured overflow policy.
func (c *Client) Write(batch []measurement.MeasurementPoint) error {
	wire, err := toWire(batch, c.metricName)
	if err != nil {
		return &element.WriteError{Severity: element.Transient, Cause: err}
	}

	c.mu.Lock()
	seq := c.seq
	c.seq++
	frame := Frame{Seq: seq, ClientID: c.cfg.ClientID, Batch: wire}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.send(conn, frame); err == nil {
			return nil
		}
		// Fall through to queuing; connectLoop will notice the broken
		// connection on its own next send/read and redial.
	}

	return c.enqueue(frame)
}

func (c *Client) send(conn net.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return writeFrame(conn, f)
}

// enqueue applies the configured overflow policy when a frame can't be
// sent immediately. With BufferMaxLength<=0 there is no queue at all: the
// frame is dropped and a transient error reported (synchronous delivery
// semantics extend to "no connection" being a transient write failure).
func (c *Client) enqueue(f Frame) error {
	if c.cfg.BufferMaxLength <= 0 {
		return &element.WriteError{Severity: element.Transient, Cause: fmt.Errorf("relay: not connected to %s", c.cfg.ServerAddr)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) >= c.cfg.BufferMaxLength {
		if c.cfg.BlockSender {
			// Block-sender: reject the new frame with a transient error
			// rather than evicting the oldest; the frame is not queued.
			return &element.WriteError{Severity: element.Transient, Cause: fmt.Errorf("relay: pending queue full, blocking")}
		}
		// Drop-oldest.
		c.pending = c.pending[1:]
		c.dropped++
	}
	c.pending = append(c.pending, f)
	return nil
}

// DroppedFrames returns the number of frames discarded by the drop-oldest
// policy so far, for self-observability.
func (c *Client) DroppedFrames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops the connector goroutine and closes any live connection.
func (c *Client) Close() error {
	close(c.closed)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// connectLoop dials cfg.ServerAddr with exponential backoff, and on every
// successful connection first resends the pending queue in order before
// allowing Write to send directly again.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			wait := c.reconnect.NextBackOff()
			c.logger.Warn("relay: dial failed, retrying", "addr", c.cfg.ServerAddr, "error", err.Error(), "wait", wait)
			select {
			case <-c.closed:
				return
			case <-time.After(wait):
			}
			continue
		}
		c.reconnect.Reset()

		c.logger.Info("relay: connected", "addr", c.cfg.ServerAddr, "client_id", c.cfg.ClientID)
		c.flushPending(conn)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// Block here until the connection drops or the client is closed;
		// a read loop detects server-side close / network errors.
		c.watchConn(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *Client) dial() (net.Conn, error) {
	return net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.DialTimeout)
}

func (c *Client) flushPending(conn net.Conn) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, f := range pending {
		if err := c.send(conn, f); err != nil {
			c.logger.Warn("relay: resend failed, re-queuing remainder", "error", err.Error())
			c.mu.Lock()
			c.pending = append(append([]Frame(nil), pending[i:]...), c.pending...)
			c.mu.Unlock()
			return
		}
	}
}

// watchConn blocks until the connection is unusable: the relay protocol
// is send-only from the client, so liveness is detected via repeated
// one-byte reads with a one-second deadline, which return a non-timeout
// error as soon as the server closes or the network drops.
func (c *Client) watchConn(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := conn.Read(buf)
		if err == nil {
			continue // server is not expected to send anything; ignore stray bytes
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return // connection closed or errored
	}
}

// newReconnectBackoff builds the policy state for connectLoop's redials.
// MaxElapsedTime is disabled: a relay client keeps retrying indefinitely
// rather than giving up after backoff's default 15-minute cap.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
