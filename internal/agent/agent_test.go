package agent

import (
	"context"
	"testing"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/events"
	"github.com/flexrpc/flexrpc-go/internal/message"
	"github.com/flexrpc/flexrpc-go/internal/token"
)

// waitToken blocks until tok settles, returning whether it faulted.
func waitToken(t *testing.T, tok *token.AsyncToken) (msg *message.Message, faulted bool) {
	t.Helper()
	done := make(chan struct{})
	tok.AddResponder(token.ResponderFunc{
		OnResult: func(m *message.Message) { msg = m; close(done) },
		OnFault:  func(m *message.Message) { msg = m; faulted = true; close(done) },
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("token never settled")
	}
	return msg, faulted
}

type fakeSender struct {
	resolveImmediately bool
	// hold, when non-nil, delays the acknowledgement until it is closed.
	hold chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error) {
	r := channel.NewMessageResponder(msg, 0)
	if f.resolveImmediately {
		if hold := f.hold; hold != nil {
			go func() { <-hold; r.Resolve(msg.Acknowledge()) }()
		} else {
			r.Resolve(msg.Acknowledge())
		}
	}
	return r, nil
}

func TestInvokeMultiplePolicyAllowsConcurrentCalls(t *testing.T) {
	sender := &fakeSender{}
	a := New("dest", sender, ConcurrencyMultiple, nil, nil)

	r1, err := a.Invoke(context.Background(), "first")
	if err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	_, err = a.Invoke(context.Background(), "second")
	if err != nil {
		t.Fatalf("second Invoke should be allowed under multiple policy: %v", err)
	}
	if a.ActiveCallCount() != 2 {
		t.Fatalf("expected 2 active calls, got %d", a.ActiveCallCount())
	}
	r1.SetResult(message.New(message.KindAcknowledge))
}

func TestInvokeSinglePolicyRejectsOverlap(t *testing.T) {
	sender := &fakeSender{}
	a := New("dest", sender, ConcurrencySingle, nil, nil)

	if _, err := a.Invoke(context.Background(), "first"); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	if _, err := a.Invoke(context.Background(), "second"); err != ErrCallInProgress {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
}

func TestInvokeLastPolicyCancelsPrevious(t *testing.T) {
	sender := &fakeSender{}
	a := New("dest", sender, ConcurrencyLast, nil, nil)

	r1, err := a.Invoke(context.Background(), "first")
	if err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	if _, err := a.Invoke(context.Background(), "second"); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}

	_, faulted := waitToken(t, r1)
	if !faulted {
		t.Fatal("expected first token to be cancelled when superseded")
	}
}

func TestConsumerSubscribeUnsubscribeLifecycle(t *testing.T) {
	sender := &fakeSender{resolveImmediately: true}
	a := New("topic/dest", sender, ConcurrencyMultiple, nil, nil)
	c := NewConsumer(a, "", nil)

	if c.State() != SubUnsubscribed {
		t.Fatalf("expected initial state unsubscribed, got %s", c.State())
	}

	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if c.State() != SubSubscribed {
		t.Fatalf("expected subscribed, got %s", c.State())
	}

	if err := c.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if c.State() != SubUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", c.State())
	}
}

func TestConsumerResubscribesAfterDisconnect(t *testing.T) {
	sender := &fakeSender{resolveImmediately: true}
	bus := events.New()
	a := New("topic/dest", sender, ConcurrencyMultiple, bus, nil)
	c := NewConsumer(a, "", nil)
	defer c.Stop()

	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Hold the resubscribe acknowledgement so the transient
	// subscribing state stays observable until the test releases it.
	sender.hold = make(chan struct{})
	bus.Publish(events.Event{Source: events.SourceChannelSet, Kind: events.KindDisconnect, Data: map[string]any{"channel_id": "c1"}})

	sawSubscribing := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		switch c.State() {
		case SubSubscribing:
			if !sawSubscribing {
				sawSubscribing = true
				close(sender.hold)
			}
		case SubSubscribed:
			if sawSubscribing {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected consumer to revert to subscribing then resubscribe, got %s (saw subscribing=%v)", c.State(), sawSubscribing)
}

func TestRemoteObjectCall(t *testing.T) {
	sender := &fakeSender{resolveImmediately: true}
	a := New("dest", sender, ConcurrencyMultiple, nil, nil)
	ro := NewRemoteObject(a)

	result, err := ro.Call(context.Background(), "getFoo", 1, 2)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	_ = result
}
