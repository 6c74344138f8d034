// Package agent implements MessageAgent and the Producer/Consumer/
// RemoteObject invoker built on it: the per-destination façade an
// application talks to, which correlates outbound sends with their
// responses through an active-call table keyed by messageId and
// applies one of three concurrency policies to overlapping calls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/events"
	"github.com/flexrpc/flexrpc-go/internal/message"
	"github.com/flexrpc/flexrpc-go/internal/token"
)

// ConcurrencyPolicy controls how MessageAgent treats a new call that
// arrives while an earlier call to the same agent is still active.
type ConcurrencyPolicy int

const (
	// ConcurrencyMultiple lets any number of calls be active at once —
	// the default.
	ConcurrencyMultiple ConcurrencyPolicy = iota
	// ConcurrencySingle rejects a new call outright while one is active.
	ConcurrencySingle
	// ConcurrencyLast cancels the previously active call (its
	// responder faults with Client.Cancelled) when a new one arrives.
	ConcurrencyLast
)

// ErrCallInProgress is returned by Invoke under ConcurrencySingle when
// a call is already active.
var ErrCallInProgress = fmt.Errorf("agent: a call is already in progress")

// Sender is the minimum a MessageAgent needs from its transport: send
// a message and get back a responder to await its settlement. Both
// channel.Channel and channelset.ChannelSet satisfy this.
type Sender interface {
	Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error)
}

// MessageAgent is the per-destination façade that invokes remote
// operations, correlating each outstanding call in an active-call
// table keyed by messageId to the token.AsyncToken that settles it.
type MessageAgent struct {
	Destination string
	Sender      Sender
	Policy      ConcurrencyPolicy
	Bus         *events.Bus
	Logger      *slog.Logger

	mu          sync.Mutex
	active      map[string]*token.AsyncToken
	lastID      string
	needsConfig bool
	username    string
	password    string
}

// New creates a MessageAgent targeting destination over sender.
func New(destination string, sender Sender, policy ConcurrencyPolicy, bus *events.Bus, logger *slog.Logger) *MessageAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageAgent{
		Destination: destination,
		Sender:      sender,
		Policy:      policy,
		Bus:         bus,
		Logger:      logger.With("destination", destination),
		active:      make(map[string]*token.AsyncToken),
	}
}

// Invoke sends an async message with the given body to the agent's
// destination, applying the configured concurrency policy, and returns
// the AsyncToken that will settle with the eventual result or fault. A
// user call wraps the body in this token and hands it to the agent; the
// channel decodes, correlates, and routes the reply through a
// MessageResponder, and Invoke's background tracker settles the token
// from that responder.
func (a *MessageAgent) Invoke(ctx context.Context, body any) (*token.AsyncToken, error) {
	msg := message.New(message.KindAsync)
	msg.Destination = a.Destination
	msg.Body = body

	a.mu.Lock()
	switch a.Policy {
	case ConcurrencySingle:
		if len(a.active) > 0 {
			a.mu.Unlock()
			return nil, ErrCallInProgress
		}
	case ConcurrencyLast:
		if prev, ok := a.active[a.lastID]; ok {
			prev.SetFault(msg.Fault("Client.Cancelled", "superseded by a newer call", ""))
			delete(a.active, a.lastID)
		}
	}
	a.mu.Unlock()

	a.publish(events.KindInvoke, map[string]any{"message_id": msg.MessageID, "destination": a.Destination})

	responder, err := a.Sender.Send(ctx, msg)
	if err != nil {
		a.publish(events.KindChannelFault, map[string]any{"message_id": msg.MessageID, "error": err.Error()})
		return nil, err
	}

	tok := token.New(msg)
	a.mu.Lock()
	a.active[msg.MessageID] = tok
	a.lastID = msg.MessageID
	a.mu.Unlock()

	go a.track(ctx, msg, responder, tok)
	return tok, nil
}

// track settles tok once responder resolves, removing the call from
// the active-call table first so a concurrency-policy check racing
// with settlement never observes a call that has already finished.
func (a *MessageAgent) track(ctx context.Context, msg *message.Message, responder *channel.MessageResponder, tok *token.AsyncToken) {
	result, err := responder.Wait(ctx)
	a.mu.Lock()
	delete(a.active, msg.MessageID)
	a.mu.Unlock()
	if err != nil {
		tok.SetFault(msg.Fault("Server.Error", err.Error(), ""))
		a.publish(events.KindFault, map[string]any{"message_id": msg.MessageID})
		return
	}
	tok.SetResult(result)
	a.publish(events.KindResult, map[string]any{"message_id": msg.MessageID})
}

func (a *MessageAgent) publish(kind string, data map[string]any) {
	if a.Bus == nil {
		return
	}
	a.Bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}

// AgentDestination returns the destination this agent targets, the key
// it is registered under in its channel-set.
func (a *MessageAgent) AgentDestination() string { return a.Destination }

// SetNeedsConfig marks that the agent's next ping should request
// dynamic channel configuration from the server.
func (a *MessageAgent) SetNeedsConfig(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.needsConfig = v
}

// NeedsConfig reports whether the agent still wants dynamic channel
// configuration.
func (a *MessageAgent) NeedsConfig() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsConfig
}

// SetCredentials stores the credentials the channel-set propagated
// after a login ack. Empty values clear them, the logout case.
func (a *MessageAgent) SetCredentials(username, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = username
	a.password = password
}

// ActiveCallCount returns the number of calls currently awaiting a
// response, for tests and diagnostics.
func (a *MessageAgent) ActiveCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}
