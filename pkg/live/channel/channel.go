// Package channel multiplexes a live session's data channel. It fans
// incoming typed messages out to registered handlers, keeps the peer alive
// with a heartbeat, tracks attached media streams for readiness, and
// delivers exactly one terminal status event when the channel closes.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/perso-ai/perso-interactive-go/pkg/live/metrics"
	"github.com/perso-ai/perso-interactive-go/pkg/live/protocol"
)

var (
	// ErrClosed is returned by Send once the channel has closed.
	ErrClosed = errors.New("channel closed")
	// ErrConnectionTimeout is returned by WaitReady when the channel never
	// became ready within the polling budget.
	ErrConnectionTimeout = errors.New("connection timeout")
)

const (
	defaultPingInterval      = time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultReadyPollInterval = 100 * time.Millisecond
	defaultReadyMaxAttempts  = 50

	// Grace added to the liveness clock at startup so a peer that is slow
	// to send its first ping is not dropped immediately.
	startupPingGrace = 3 * time.Second
)

// Conn is the minimal data-channel surface the session requires. The
// default implementation wraps a websocket connection; callers bridging a
// WebRTC data channel supply their own adapter.
type Conn interface {
	// ReadMessage blocks for the next inbound frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Must be safe for concurrent use.
	WriteMessage(data []byte) error
	Close() error
}

// Stream describes an inbound media stream attached by the transport layer.
type Stream struct {
	ID   string
	Kind string
}

type Config struct {
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ReadyPollInterval time.Duration
	ReadyMaxAttempts  int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

type Channel struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	started    bool
	closed     bool
	lastPing   time.Time
	streams    []Stream
	handlers   map[string]map[int]func(json.RawMessage)
	statusSubs map[int]func(protocol.Status)
	nextID     int

	done chan struct{}
}

func New(conn Conn, cfg Config) *Channel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = defaultReadyPollInterval
	}
	if cfg.ReadyMaxAttempts <= 0 {
		cfg.ReadyMaxAttempts = defaultReadyMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Channel{
		conn:       conn,
		cfg:        cfg,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		handlers:   make(map[string]map[int]func(json.RawMessage)),
		statusSubs: make(map[int]func(protocol.Status)),
		done:       make(chan struct{}),
	}
}

// Start launches the read and heartbeat loops. Calling Start more than once
// is a no-op.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.lastPing = c.cfg.Now().Add(startupPingGrace)
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()
}

// Send marshals data into a typed envelope and writes it.
func (c *Channel) Send(typ string, data any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	raw, err := protocol.Encode(typ, data)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(raw); err != nil {
		return err
	}
	c.metrics.RecordMessage(typ, "out")
	return nil
}

// OnMessage registers fn for inbound messages of the given type and returns
// its remover. Multiple handlers per type are allowed.
func (c *Channel) OnMessage(typ string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	byID, ok := c.handlers[typ]
	if !ok {
		byID = make(map[int]func(json.RawMessage))
		c.handlers[typ] = byID
	}
	byID[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if byID, ok := c.handlers[typ]; ok {
				delete(byID, id)
				if len(byID) == 0 {
					delete(c.handlers, typ)
				}
			}
			c.mu.Unlock()
		})
	}
}

// SubscribeStatus registers fn for lifecycle events. The terminal event is
// delivered exactly once; subscribing after close registers nothing.
func (c *Channel) SubscribeStatus(fn func(protocol.Status)) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Terminal status already fired; nothing further will arrive.
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.statusSubs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.statusSubs, id)
			c.mu.Unlock()
		})
	}
}

// AttachStream records an inbound media stream negotiated by the transport.
func (c *Channel) AttachStream(s Stream) {
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
}

func (c *Channel) Streams() []Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Ready reports whether the channel is open with at least one media stream
// attached.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed && len(c.streams) > 0
}

// WaitReady polls Ready until it holds, the polling budget runs out, or ctx
// is done.
func (c *Channel) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReadyPollInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < c.cfg.ReadyMaxAttempts; attempt++ {
		if c.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
	if c.Ready() {
		return nil
	}
	return ErrConnectionTimeout
}

// Close shuts the channel down gracefully, reporting a 200 terminal status.
func (c *Channel) Close() error {
	c.closeWith(protocol.CloseOK, protocol.ReasonOK)
	return nil
}

// Done is closed once the channel has terminated.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// closeWith transitions to closed exactly once and publishes the terminal
// status event.
func (c *Channel) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]func(protocol.Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.statusSubs = make(map[int]func(protocol.Status))
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
	c.logger.Info("channel closed", "code", code, "reason", reason)

	st := protocol.Status{Live: false, Code: code, Reason: reason}
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Channel) readLoop() {
	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("channel read failed", "error", err)
				c.closeWith(protocol.CloseRequestTimeout, protocol.ReasonRequestTimeout)
			}
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.metrics.RecordMessage(env.Type, "in")
		if env.Type == protocol.TypePing {
			c.mu.Lock()
			c.lastPing = c.cfg.Now()
			c.mu.Unlock()
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	byID := c.handlers[env.Type]
	fns := make([]func(json.RawMessage), 0, len(byID))
	for _, fn := range byID {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

// heartbeatLoop pings the peer every PingInterval and drops the channel
// with a 408 if the peer's pings stop for longer than PingTimeout.
func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if err := c.Send(protocol.TypePing, nil); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("ping send failed", "error", err)
		}

		c.mu.Lock()
		silent := c.cfg.Now().Sub(c.lastPing)
		c.mu.Unlock()
		if silent > c.cfg.PingTimeout {
			c.metrics.RecordHeartbeatTimeout()
			c.closeWith(protocol.CloseRequestTimeout, protocol.ReasonRequestTimeout)
			return
		}
	}
}
