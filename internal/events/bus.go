// Package events provides a publish/subscribe event bus used to decouple
// channels, the channel-set, and message agents from one another. The
// channel-set publishes connect, disconnect and failed-connect-attempt
// events for its candidate channels; an agent publishes invoke, result,
// fault and channel-fault for each call it sends. Channels themselves
// publish nothing, and no component in this module publishes
// KindMessage or KindAcknowledge. The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks when no bus was configured.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChannel identifies events from a single Channel.
	SourceChannel = "channel"
	// SourceChannelSet identifies events from a ChannelSet.
	SourceChannelSet = "channel-set"
	// SourceAgent identifies events from a MessageAgent (or a
	// Producer/Consumer/remote-object invoker built on one).
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnect signals a channel, or the channel-set as a whole,
	// transitioned to connected. Data: channel_id, reconnecting.
	KindConnect = "connect"
	// KindDisconnect signals a channel, or the channel-set, transitioned
	// to disconnected. Data: channel_id.
	KindDisconnect = "disconnect"
	// KindChannelFault signals a channel-level failure: a failed connect
	// attempt (published by the channel-set; Data: channel_id, error,
	// reconnecting) or a failed outbound send (published by an agent;
	// Data: message_id, error).
	KindChannelFault = "channel-fault"
	// KindMessage signals a server-pushed message delivered to a
	// subscribed consumer. Data: destination, subtopic, message_id.
	KindMessage = "message"
	// KindResult signals an outstanding call settled with a result.
	// Data: message_id.
	KindResult = "result"
	// KindFault signals an outstanding call settled with a fault.
	// Data: message_id.
	KindFault = "fault"
	// KindInvoke signals an outbound call was handed to a channel.
	// Data: message_id, destination.
	KindInvoke = "invoke"
	// KindAcknowledge signals an Acknowledge message was received for
	// an outbound command (subscribe, login, logout, ...).
	// Data: message_id, correlation_id.
	KindAcknowledge = "acknowledge"
)

// Event represents a single runtime event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
