// SPDX-License-Identifier: MIT

// Package link owns the serial connection to the room hardware. It frames and
// parses the line protocol, runs heartbeat liveness detection and correlates
// command responses to pending commands in strict FIFO order. All substantive
// data arrives push-style as log/sensor lines; the peer is only ever polled
// for liveness.
package link

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roomkit/roomd/internal/bus"
	"github.com/roomkit/roomd/internal/log"
	"github.com/roomkit/roomd/internal/metrics"
)

// State is the liveness state of the serial link.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateUp
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	default:
		return "down"
	}
}

// DialFunc opens the underlying byte stream. Production wires a serial port,
// tests wire one end of a net.Pipe.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Options tune the link client. Zero values take the protocol defaults.
type Options struct {
	HeartbeatInterval time.Duration // PING cadence, default 1s
	MissThreshold     int           // consecutive misses before Down, default 3
	CommandTimeout    time.Duration // write-to-response deadline, default 5s
	ReconnectBackoff  time.Duration // wait between dial attempts, default 1s
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.MissThreshold <= 0 {
		o.MissThreshold = 3
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	return o
}

type cmdResult struct {
	msg string
	err error
}

// pendingCommand is one in-flight request. It lives from issue until the
// response frame that answers its slot arrives. A command whose caller gave
// up (deadline or context) stays in the FIFO as an abandoned tombstone so the
// peer's eventual reply is matched to it and discarded instead of shifting
// onto the next command.
type pendingCommand struct {
	id        string
	issuedAt  time.Time
	deadline  time.Time
	abandoned bool           // guarded by Client.mu
	done      chan cmdResult // buffered, resolver never blocks
}

// Client is the serial link client. Reader, writer and heartbeat run as
// independent goroutines sharing only the pending table and link state behind
// one mutex; the lock is never held across I/O.
type Client struct {
	dial DialFunc
	bus  *bus.Bus
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	lastRX  time.Time
	lastTX  time.Time
	rxLines uint64
	txLines uint64
	misses  int
	pending []*pendingCommand
	closed  bool

	txq chan string
}

// New creates a link client publishing its events on b.
func New(dial DialFunc, b *bus.Bus, opts Options) *Client {
	return &Client{
		dial: dial,
		bus:  b,
		opts: opts.withDefaults(),
		log:  log.WithComponent("link"),
		txq:  make(chan string, 32),
	}
}

// Run connects and supervises the link until ctx is cancelled, redialing with
// backoff after failures. Heartbeat loss marks the link Down without tearing
// the connection; only I/O errors force a reconnect.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Msg("dial failed, retrying")
			select {
			case <-time.After(c.opts.ReconnectBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.setState(ctx, StateConnecting)
		err = c.serve(ctx, conn)
		c.setState(ctx, StateDown)
		c.failPending(ErrLinkDown)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")
		select {
		case <-time.After(c.opts.ReconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve runs the reader, writer and heartbeat loops over one connection and
// returns when any of them fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the connection is the only way to unblock a pending Read.
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	return g.Wait()
}

// SendCommand writes payload as one frame and blocks until the matching
// response arrives or the command deadline elapses. Correlation is strictly
// FIFO: the peer answers commands in issue order.
func (c *Client) SendCommand(ctx context.Context, payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", &CommandError{Reason: "empty command"}
	}

	now := time.Now()
	p := &pendingCommand{
		id:       uuid.NewString(),
		issuedAt: now,
		deadline: now.Add(c.opts.CommandTimeout),
		done:     make(chan cmdResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.state == StateDown {
		c.mu.Unlock()
		metrics.CommandsTotal.WithLabelValues("link_down").Inc()
		return "", ErrLinkDown
	}
	// Enqueue and append under one lock hold so wire order always matches
	// pending order, even with concurrent senders.
	select {
	case c.txq <- payload:
		c.pending = append(c.pending, p)
		c.mu.Unlock()
	default:
		// Writer is not draining; treat like a dead link instead of queuing.
		c.mu.Unlock()
		metrics.CommandsTotal.WithLabelValues("link_down").Inc()
		return "", ErrLinkDown
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			metrics.CommandsTotal.WithLabelValues("error").Inc()
			return "", res.err
		}
		metrics.CommandsTotal.WithLabelValues("ok").Inc()
		return res.msg, nil
	case <-timer.C:
		c.abandonPending(p)
		metrics.CommandsTotal.WithLabelValues("timeout").Inc()
		c.bus.Publish(ctx, bus.Event{
			Kind:          bus.KindCommandResolved,
			CorrelationID: p.id,
			Err:           ErrTimeout.Error(),
		})
		return "", ErrTimeout
	case <-ctx.Done():
		c.abandonPending(p)
		return "", ctx.Err()
	}
}

// Status is a point-in-time snapshot of the link for health reporting.
type Status struct {
	State       State
	Misses      int
	RxLines     uint64
	TxLines     uint64
	SinceLastRX time.Duration // zero until the first frame arrived
	SinceLastTX time.Duration
	QueueDepth  int
	Pending     int
}

// Status reports the current link state and traffic counters.
func (c *Client) Status() Status {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:      c.state,
		Misses:     c.misses,
		RxLines:    c.rxLines,
		TxLines:    c.txLines,
		QueueDepth: len(c.txq),
	}
	// Tombstoned slots are correlation bookkeeping, not commands in flight.
	for _, p := range c.pending {
		if !p.abandoned {
			st.Pending++
		}
	}
	if !c.lastRX.IsZero() {
		st.SinceLastRX = now.Sub(c.lastRX)
	}
	if !c.lastTX.IsZero() {
		st.SinceLastTX = now.Sub(c.lastTX)
	}
	return st
}

func (c *Client) readLoop(ctx context.Context, conn io.Reader) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frame, err := ParseFrame(line)
		if err != nil {
			metrics.MalformedFramesTotal.Inc()
			c.log.Debug().Str("line", line).Msg("dropping malformed frame")
			continue
		}

		now := time.Now()
		c.markAlive(ctx, now)

		switch frame.Kind {
		case FrameHeartbeat:
			// Liveness already recorded above; nothing else to do.
		case FrameResponse:
			c.resolveResponse(ctx, frame, now)
		case FrameLog:
			c.publishLog(ctx, frame, now)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return io.EOF
}

func (c *Client) writeLoop(ctx context.Context, conn io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-c.txq:
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			if _, err := io.WriteString(conn, line); err != nil {
				return err
			}
			c.mu.Lock()
			c.lastTX = time.Now()
			c.txLines++
			c.mu.Unlock()
		}
	}
}

// heartbeatLoop emits PING on a fixed interval and counts reply misses. Any
// inbound frame counts as liveness, so a miss means a whole interval passed
// without traffic.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			select {
			case c.txq <- heartbeatProbe:
			default:
				// Queue full: the writer is stuck, the miss counter will catch it.
			}
			c.checkLiveness(ctx, now)
		}
	}
}

func (c *Client) checkLiveness(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if c.state != StateUp {
		c.mu.Unlock()
		return
	}
	if now.Sub(c.lastRX) < c.opts.HeartbeatInterval {
		c.mu.Unlock()
		return
	}
	c.misses++
	miss := c.misses
	transition := miss >= c.opts.MissThreshold
	if transition {
		c.state = StateDown
	}
	c.mu.Unlock()

	metrics.HeartbeatMissesTotal.Inc()
	if transition {
		metrics.LinkState.Set(0)
		c.log.Warn().Int("misses", miss).Msg("heartbeat lost, link down")
		c.bus.Publish(ctx, bus.Event{Kind: bus.KindLinkDown, At: now})
	}
}

// markAlive records inbound traffic. The first valid frame after Down or
// Connecting transitions the link to Up exactly once.
func (c *Client) markAlive(ctx context.Context, now time.Time) {
	c.mu.Lock()
	c.lastRX = now
	c.rxLines++
	c.misses = 0
	transition := c.state != StateUp
	if transition {
		c.state = StateUp
	}
	c.mu.Unlock()

	if transition {
		metrics.LinkState.Set(2)
		c.log.Info().Msg("link up")
		c.bus.Publish(ctx, bus.Event{Kind: bus.KindLinkUp, At: now})
	}
}

// resolveResponse matches a response frame to the oldest pending command.
// A response with nothing pending is a protocol violation and is dropped, as
// is a response answering an abandoned slot: strict FIFO means it belongs to
// the command whose caller already timed out, never to a later one.
func (c *Client) resolveResponse(ctx context.Context, f Frame, now time.Time) {
	c.mu.Lock()
	var p *pendingCommand
	var abandoned bool
	if len(c.pending) > 0 {
		p = c.pending[0]
		c.pending = c.pending[1:]
		abandoned = p.abandoned
	}
	c.mu.Unlock()

	if p == nil {
		metrics.ProtocolViolationsTotal.Inc()
		c.log.Warn().Str("frame", f.Raw).Msg("response with no pending command")
		return
	}
	if abandoned {
		metrics.ProtocolViolationsTotal.Inc()
		c.log.Warn().Str("frame", f.Raw).Msg("discarding late response to a timed-out command")
		return
	}

	res := cmdResult{msg: f.Msg}
	if f.Code != 0 {
		reason := f.Msg
		if reason == "" {
			reason = "unspecified peer error"
		}
		res = cmdResult{err: &CommandError{Reason: reason}}
	}
	p.done <- res

	ev := bus.Event{
		Kind:          bus.KindCommandResolved,
		At:            now,
		Raw:           f.Raw,
		CorrelationID: p.id,
	}
	if res.err != nil {
		ev.Err = res.err.Error()
	}
	c.bus.Publish(ctx, ev)
}

func (c *Client) publishLog(ctx context.Context, f Frame, now time.Time) {
	c.bus.Publish(ctx, bus.Event{
		Kind:   bus.KindLog,
		At:     now,
		Raw:    f.Raw,
		Module: f.Module,
		Text:   f.Text,
	})

	if name, value, ok := f.SensorReading(); ok {
		c.bus.Publish(ctx, bus.Event{
			Kind:   bus.KindSensor,
			At:     now,
			Raw:    f.Raw,
			Module: f.Module,
			Sensor: name,
			Value:  value,
		})
	}
	if component, value, ok := f.UIEvent(); ok {
		c.bus.Publish(ctx, bus.Event{
			Kind:   bus.KindButton,
			At:     now,
			Raw:    f.Raw,
			Module: f.Module,
			Sensor: component,
			Value:  value,
		})
	}
}

// abandonPending leaves p in the FIFO as a tombstone. Removing it would make
// the peer's late reply answer the wrong command.
func (c *Client) abandonPending(p *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.abandoned = true
}

// failPending clears the whole pending table, resolving live commands with
// err. Tombstones go with it: replies to the old connection can no longer
// arrive, so keeping them would misalign correlation on the next one.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- cmdResult{err: err}
	}
}

// shutdown fails every pending command and rejects future sends.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDown
	c.mu.Unlock()

	metrics.LinkState.Set(0)
	c.failPending(ErrClosed)
}

func (c *Client) setState(ctx context.Context, s State) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.misses = 0
	c.mu.Unlock()

	switch s {
	case StateConnecting:
		metrics.LinkState.Set(1)
	case StateDown:
		metrics.LinkState.Set(0)
		// Only a loss of an established link is an event; failed dials and
		// connecting teardowns stay quiet to avoid flapping.
		if prev == StateUp {
			c.bus.Publish(ctx, bus.Event{Kind: bus.KindLinkDown, At: time.Now()})
		}
	case StateUp:
		metrics.LinkState.Set(2)
	}
}
