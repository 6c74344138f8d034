package channel

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

func TestMessageResponderResolve(t *testing.T) {
	msg := message.New(message.KindAsync)
	r := NewMessageResponder(msg, 0)

	result := message.New(message.KindAcknowledge)
	go r.Resolve(result)

	got, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != result {
		t.Fatalf("got %v, want %v", got, result)
	}
}

func TestMessageResponderFault(t *testing.T) {
	msg := message.New(message.KindAsync)
	r := NewMessageResponder(msg, 0)

	fault := msg.Fault("Server.Error", "boom", "")
	go r.Fault(fault)

	_, err := r.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error from faulted responder")
	}
}

func TestMessageResponderAtMostOnceSettle(t *testing.T) {
	msg := message.New(message.KindAsync)
	r := NewMessageResponder(msg, 0)

	first := message.New(message.KindAcknowledge)
	second := message.New(message.KindAcknowledge)
	r.Resolve(first)
	r.Resolve(second) // must be a no-op

	got, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != first {
		t.Fatalf("second Resolve must not override first settlement, got %v", got)
	}
}

func TestMessageResponderTimeout(t *testing.T) {
	msg := message.New(message.KindAsync)
	r := NewMessageResponder(msg, 10*time.Millisecond)

	_, err := r.Wait(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestMessageResponderContextCancel(t *testing.T) {
	msg := message.New(message.KindAsync)
	r := NewMessageResponder(msg, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestBaseChannelFailoverRecursion(t *testing.T) {
	b := NewBaseChannel("test", "https://primary.example/amf", 0, nil)
	b.SetFailoverURIs([]string{"https://fo1.example/amf", "https://fo2.example/amf"})

	if got := b.CurrentURI(); got != "https://primary.example/amf" {
		t.Fatalf("expected primary URI, got %s", got)
	}

	if !b.AdvanceFailover() {
		t.Fatal("expected first failover advance to succeed")
	}
	if got := b.CurrentURI(); got != "https://fo1.example/amf" {
		t.Fatalf("expected fo1 URI, got %s", got)
	}

	if !b.AdvanceFailover() {
		t.Fatal("expected second failover advance to succeed")
	}
	if got := b.CurrentURI(); got != "https://fo2.example/amf" {
		t.Fatalf("expected fo2 URI, got %s", got)
	}

	if b.AdvanceFailover() {
		t.Fatal("expected failover exhaustion after last URI")
	}

	b.ResetFailover()
	if got := b.CurrentURI(); got != "https://primary.example/amf" {
		t.Fatalf("expected reset to primary URI, got %s", got)
	}
}

func TestBaseChannelStateTransitions(t *testing.T) {
	b := NewBaseChannel("test", "https://primary.example/amf", 0, nil)
	if b.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", b.State())
	}
	b.SetState(StateConnecting)
	b.SetState(StateConnected)
	if b.State() != StateConnected {
		t.Fatalf("expected connected, got %s", b.State())
	}
}

func TestBaseChannelCredentialsPrecedence(t *testing.T) {
	b := NewBaseChannel("test", "https://primary.example/amf", 0, nil)
	b.SetRemoteCredentials(&Credentials{Username: "remote", Password: "pw"})
	if got := b.Credentials(); got.Username != "remote" {
		t.Fatalf("expected remote credentials, got %v", got)
	}

	b.SetCredentials("local", "pw2")
	if got := b.Credentials(); got.Username != "local" {
		t.Fatalf("expected local credentials to take precedence, got %v", got)
	}

	b.ClearCredentials()
	if got := b.Credentials(); got != nil {
		t.Fatalf("expected nil credentials after clear, got %v", got)
	}
}

func TestCredentialsEncode(t *testing.T) {
	c := Credentials{Username: "alice", Password: "wonderland"}
	const want = "YWxpY2U6d29uZGVybGFuZA=="
	if got := c.Encode(); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCredentialsEncodeCharsets(t *testing.T) {
	// "ü" is U+00FC: one byte (0xFC) in ISO-8859-1, two bytes in UTF-8.
	latin1 := Credentials{Username: "uüser", Password: "pw"}
	if got, want := latin1.Encode(), base64.StdEncoding.EncodeToString([]byte{'u', 0xFC, 's', 'e', 'r', ':', 'p', 'w'}); got != want {
		t.Fatalf("latin-1 encode = %s, want %s", got, want)
	}

	utf8 := Credentials{Username: "uüser", Password: "pw", Charset: "UTF-8"}
	if got, want := utf8.Encode(), base64.StdEncoding.EncodeToString([]byte("uüser:pw")); got != want {
		t.Fatalf("utf-8 encode = %s, want %s", got, want)
	}

	// Runes outside Latin-1 degrade to '?' in the default charset.
	wide := Credentials{Username: "世", Password: "pw"}
	if got, want := wide.Encode(), base64.StdEncoding.EncodeToString([]byte("?:pw")); got != want {
		t.Fatalf("wide-rune encode = %s, want %s", got, want)
	}
}
