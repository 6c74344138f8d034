package token

import (
	"testing"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

func TestAsyncTokenResultFiresAllResponders(t *testing.T) {
	msg := message.New(message.KindAsync)
	tok := New(msg)

	var calls []int
	tok.AddResponder(ResponderFunc{OnResult: func(*message.Message) { calls = append(calls, 1) }})
	tok.AddResponder(ResponderFunc{OnResult: func(*message.Message) { calls = append(calls, 2) }})

	tok.SetResult(message.New(message.KindAcknowledge))

	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("expected responders fired in attachment order, got %v", calls)
	}
}

func TestAsyncTokenAtMostOnceSettle(t *testing.T) {
	msg := message.New(message.KindAsync)
	tok := New(msg)

	first := message.New(message.KindAcknowledge)
	second := message.New(message.KindAcknowledge)

	var got *message.Message
	tok.AddResponder(ResponderFunc{OnResult: func(m *message.Message) { got = m }})

	tok.SetResult(first)
	tok.SetResult(second) // no-op
	tok.SetFault(msg.Fault("x", "y", "z")) // no-op

	if got != first {
		t.Fatalf("expected first settlement to stick, got %v", got)
	}
	if !tok.Settled() {
		t.Fatal("expected token to report settled")
	}
}

func TestAsyncTokenResponderAddedAfterSettlementFiresImmediately(t *testing.T) {
	msg := message.New(message.KindAsync)
	tok := New(msg)

	result := message.New(message.KindAcknowledge)
	tok.SetResult(result)

	var got *message.Message
	tok.AddResponder(ResponderFunc{OnResult: func(m *message.Message) { got = m }})

	if got != result {
		t.Fatal("expected late responder to fire immediately with the settled outcome")
	}
}

func TestAsyncTokenCancelSuppressesLaterResult(t *testing.T) {
	msg := message.New(message.KindAsync)
	tok := New(msg)

	var faults []*message.Message
	var results int
	tok.AddResponder(ResponderFunc{
		OnResult: func(*message.Message) { results++ },
		OnFault:  func(m *message.Message) { faults = append(faults, m) },
	})

	tok.Cancel()
	// The real response arriving after cancellation must be dropped.
	tok.SetResult(message.New(message.KindAcknowledge))

	if results != 0 {
		t.Fatalf("expected no result delivery after cancel, got %d", results)
	}
	if len(faults) != 1 || faults[0].FaultCode != "Client.Cancelled" {
		t.Fatalf("expected a single Client.Cancelled fault, got %v", faults)
	}
}

func TestAsyncTokenFaultPath(t *testing.T) {
	msg := message.New(message.KindAsync)
	tok := New(msg)

	var faulted bool
	tok.AddResponder(ResponderFunc{OnFault: func(*message.Message) { faulted = true }})

	tok.SetFault(msg.Fault("Server.Error", "boom", ""))

	if !faulted {
		t.Fatal("expected fault responder to fire")
	}
}
