package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexrpc/flexrpc-go/internal/events"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// SubscriptionState is the state machine a Consumer moves through
// around its subscribe/unsubscribe commands.
type SubscriptionState int

const (
	SubUnsubscribed SubscriptionState = iota
	SubSubscribing
	SubSubscribed
	SubUnsubscribing
)

func (s SubscriptionState) String() string {
	switch s {
	case SubUnsubscribed:
		return "unsubscribed"
	case SubSubscribing:
		return "subscribing"
	case SubSubscribed:
		return "subscribed"
	case SubUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// Poller is the subset of polling.Channel a Consumer needs to enable
// or disable the poll loop as it subscribes/unsubscribes.
type Poller interface {
	AddRef(ctx context.Context)
	RemoveRef()
}

// Consumer subscribes to a destination (optionally scoped to a
// subtopic) and delivers server-pushed messages on Messages().
type Consumer struct {
	*MessageAgent
	Subtopic string
	Poll     Poller

	mu       sync.Mutex
	state    SubscriptionState
	clientID string

	messages    chan *message.Message
	watchCancel context.CancelFunc
}

// NewConsumer creates a Consumer. poll may be nil if the owning
// channel-set's current channel does not need explicit poll
// enablement (e.g. a streaming channel). When agent.Bus is non-nil, the
// Consumer watches it for channel-set disconnect events for the life
// of the Consumer, reverting a subscribed subscription back to
// subscribing and re-sending the subscribe command. Call Stop to end
// the watch early.
func NewConsumer(agent *MessageAgent, subtopic string, poll Poller) *Consumer {
	c := &Consumer{
		MessageAgent: agent,
		Subtopic:     subtopic,
		Poll:         poll,
		messages:     make(chan *message.Message, 64),
	}
	if agent.Bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.watchCancel = cancel
		sub := agent.Bus.Subscribe(64)
		go c.watchDisconnect(ctx, sub)
	}
	return c
}

// Stop ends the disconnect watch started by NewConsumer. Safe to call
// even if the Consumer was created with a nil bus.
func (c *Consumer) Stop() {
	if c.watchCancel != nil {
		c.watchCancel()
	}
}

// watchDisconnect reacts to every events.KindDisconnect published on
// the agent's bus: if this consumer is currently subscribed, it reverts
// to subscribing and re-sends the subscribe command in the background.
func (c *Consumer) watchDisconnect(ctx context.Context, sub <-chan events.Event) {
	defer c.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Kind != events.KindDisconnect {
				continue
			}
			c.mu.Lock()
			wasSubscribed := c.state == SubSubscribed
			if wasSubscribed {
				c.state = SubSubscribing
			}
			c.mu.Unlock()
			if wasSubscribed {
				go c.resubscribe(ctx)
			}
		}
	}
}

// resubscribe re-sends the subscribe command after a channel-set
// disconnect reverted this consumer to subscribing. On failure the
// consumer is left in SubSubscribing and nothing retries the subscribe:
// watchDisconnect only acts on a subscribed consumer, and Subscribe
// only starts from SubUnsubscribed.
func (c *Consumer) resubscribe(ctx context.Context) {
	cmd := message.NewCommand(message.OpSubscribe)
	cmd.Destination = c.Destination
	if c.Subtopic != "" {
		cmd.SetHeader(message.HeaderDSSubtopic, c.Subtopic)
	}

	responder, err := c.Sender.Send(ctx, cmd)
	if err != nil {
		c.Logger.Warn("resubscribe after disconnect failed to send", "destination", c.Destination, "error", err)
		return
	}
	ack, err := responder.Wait(ctx)
	if err != nil {
		c.Logger.Warn("resubscribe after disconnect failed", "destination", c.Destination, "error", err)
		return
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.state = SubSubscribed
	c.mu.Unlock()
}

// Messages returns the channel of server-pushed messages delivered to
// this subscription.
func (c *Consumer) Messages() <-chan *message.Message { return c.messages }

// Deliver is called by the owning channel-set/dispatch loop when a
// message addressed to this consumer's destination/subtopic arrives.
func (c *Consumer) Deliver(msg *message.Message) {
	select {
	case c.messages <- msg:
	default:
		c.Logger.Warn("consumer message channel full, dropping delivery", "message_id", msg.MessageID)
	}
}

// Subscribe sends a Command(subscribe), enabling polling for the
// duration of the subscription.
func (c *Consumer) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.state != SubUnsubscribed {
		c.mu.Unlock()
		return fmt.Errorf("consumer: cannot subscribe from state %s", c.state)
	}
	c.state = SubSubscribing
	c.mu.Unlock()

	cmd := message.NewCommand(message.OpSubscribe)
	cmd.Destination = c.Destination
	if c.Subtopic != "" {
		cmd.SetHeader(message.HeaderDSSubtopic, c.Subtopic)
	}

	if c.Poll != nil {
		c.Poll.AddRef(ctx)
	}

	responder, err := c.Sender.Send(ctx, cmd)
	if err != nil {
		c.setState(SubUnsubscribed)
		if c.Poll != nil {
			c.Poll.RemoveRef()
		}
		return err
	}
	ack, err := responder.Wait(ctx)
	if err != nil {
		c.setState(SubUnsubscribed)
		if c.Poll != nil {
			c.Poll.RemoveRef()
		}
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.state = SubSubscribed
	c.mu.Unlock()
	return nil
}

// Unsubscribe sends a Command(unsubscribe) and releases the poll
// reference taken by Subscribe.
func (c *Consumer) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.state != SubSubscribed {
		c.mu.Unlock()
		return fmt.Errorf("consumer: cannot unsubscribe from state %s", c.state)
	}
	c.state = SubUnsubscribing
	c.mu.Unlock()

	cmd := message.NewCommand(message.OpUnsubscribe)
	cmd.Destination = c.Destination
	cmd.ClientID = c.clientID
	if c.Subtopic != "" {
		cmd.SetHeader(message.HeaderDSSubtopic, c.Subtopic)
	}

	responder, err := c.Sender.Send(ctx, cmd)
	if err == nil {
		_, err = responder.Wait(ctx)
	}

	c.setState(SubUnsubscribed)
	if c.Poll != nil {
		c.Poll.RemoveRef()
	}
	return err
}

// State returns the consumer's current subscription state.
func (c *Consumer) State() SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s SubscriptionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
