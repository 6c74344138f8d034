// Package polling implements the poll-loop mechanics used by the AMF
// channel (the streaming channel does not use this package): reference
// counting across multiple consumers asking to poll, an adaptive
// interval driven by the server's DSPollWait hint, piggybacked command
// batching, and DSNoOpPoll suppression.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

// DefaultInterval is the poll timer period applied when no interval is
// configured.
const DefaultInterval = 3000 * time.Millisecond

// Transport is the minimum a concrete channel must provide for the
// poll loop to drive it: send an outgoing batch (which may be empty,
// a bare poll) and receive back whatever messages the server pushed.
type Transport interface {
	PollOnce(ctx context.Context, outgoing []*message.Message) ([]*message.Message, error)
}

// Channel drives a Transport on a timer, reference-counting the number
// of callers that currently want polling active so that it keeps
// running exactly as long as at least one agent needs it.
type Channel struct {
	transport Transport
	logger    *slog.Logger

	mu              sync.Mutex
	interval        time.Duration
	pollingRef      int
	shouldPoll      bool
	pollOutstanding bool
	piggyback       bool
	noOpPoll        bool
	pending         []*message.Message

	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}

	notify func(active bool)

	results chan PollResult
}

// PollResult is one batch pushed back by the poll loop: either the
// messages the server returned, or the error from a failed attempt.
type PollResult struct {
	Messages []*message.Message
	Err      error
}

// New creates a polling Channel over transport with the given poll
// interval (0 or less uses DefaultInterval).
func New(transport Transport, interval time.Duration, logger *slog.Logger) *Channel {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport: transport,
		interval:  interval,
		logger:    logger,
		results:   make(chan PollResult, 8),
	}
}

// SetInterval updates the poll period, e.g. in response to a
// DSPollWait hint from the server.
func (c *Channel) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

// SetPiggyback enables or disables folding queued outbound commands
// into the next poll request body rather than sending them separately.
func (c *Channel) SetPiggyback(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.piggyback = v
}

// SetNoOpPoll suppresses poll requests while v is true: the loop skips
// every tick until it is cleared. The poll loop never sets this flag
// itself; a reply carrying the DSNoOpPoll header only has that message
// dropped (see applyResponseHints).
func (c *Channel) SetNoOpPoll(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noOpPoll = v
}

// SetActiveNotify registers a callback invoked with true when the poll
// loop starts and false when it stops. The owning channel-set uses it
// to suppress its heartbeat while polling already exercises the
// connection.
func (c *Channel) SetActiveNotify(fn func(active bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Enqueue queues an outbound message to be sent on the next poll tick
// when piggybacking is enabled.
func (c *Channel) Enqueue(msg *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg)
}

// AddRef increments the poll reference count. The first AddRef on a
// stopped channel starts the poll loop; a matching RemoveRef that
// drops the count to zero stops it.
func (c *Channel) AddRef(ctx context.Context) {
	c.mu.Lock()
	c.pollingRef++
	start := c.pollingRef == 1
	c.mu.Unlock()
	if start {
		c.start(ctx)
	}
}

// RemoveRef decrements the poll reference count, stopping the loop
// once it reaches zero.
func (c *Channel) RemoveRef() {
	c.mu.Lock()
	if c.pollingRef > 0 {
		c.pollingRef--
	}
	stop := c.pollingRef == 0
	c.mu.Unlock()
	if stop {
		c.stop()
	}
}

// Results returns the channel of messages pushed back by polls,
// consumed by the owning agent/channel-set dispatch loop.
func (c *Channel) Results() <-chan PollResult {
	return c.results
}

func (c *Channel) start(ctx context.Context) {
	c.mu.Lock()
	if c.shouldPoll {
		c.mu.Unlock()
		return
	}
	c.shouldPoll = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	notify := c.notify
	c.mu.Unlock()

	if notify != nil {
		notify(true)
	}
	go c.loop(loopCtx)
}

func (c *Channel) stop() {
	c.mu.Lock()
	if !c.shouldPoll {
		c.mu.Unlock()
		return
	}
	c.shouldPoll = false
	cancel := c.cancel
	notify := c.notify
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if notify != nil {
		notify(false)
	}
}

func (c *Channel) loop(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.Lock()
		interval := c.interval
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		if !c.shouldPoll || c.noOpPoll || c.pollOutstanding {
			c.mu.Unlock()
			continue
		}
		var outgoing []*message.Message
		if c.piggyback && len(c.pending) > 0 {
			outgoing = c.pending
			c.pending = nil
		}
		c.pollOutstanding = true
		c.mu.Unlock()

		msgs, err := c.transport.PollOnce(ctx, outgoing)

		c.mu.Lock()
		c.pollOutstanding = false
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("poll request failed", "error", err)
		}
		msgs = c.applyResponseHints(msgs)
		if len(msgs) == 0 && err == nil {
			continue
		}
		select {
		case c.results <- PollResult{Messages: msgs, Err: err}:
		default:
			c.logger.Warn("poll result channel full, dropping batch")
		}
	}
}

// applyResponseHints consumes the control headers a poll reply may
// carry: DSPollWait (milliseconds) replaces the poll interval through
// SetInterval, so the hinted wait applies to the next poll and to every
// later one until another hint or SetInterval call changes it; the
// configured interval is not restored. DSNoOpPoll marks the message as a no-op
// that must not fan out to subscribers. Messages flagged no-op are
// removed from the returned batch.
func (c *Channel) applyResponseHints(msgs []*message.Message) []*message.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if wait, ok := m.Header(message.HeaderDSPollWait); ok {
			if ms, ok := headerInt(wait); ok && ms > 0 {
				c.SetInterval(time.Duration(ms) * time.Millisecond)
			}
		}
		if noOp, ok := m.Header(message.HeaderDSNoOpPoll); ok {
			if b, ok := noOp.(bool); ok && b {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// headerInt coerces the numeric types a decoded header value may carry.
func headerInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
