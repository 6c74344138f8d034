package polling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

type fakeTransport struct {
	calls atomic.Int32
}

func (f *fakeTransport) PollOnce(ctx context.Context, outgoing []*message.Message) ([]*message.Message, error) {
	f.calls.Add(1)
	return []*message.Message{message.New(message.KindAsync)}, nil
}

func TestAddRefStartsPolling(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)

	c.AddRef(context.Background())
	defer c.RemoveRef()

	select {
	case res := <-c.Results():
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if len(res.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(res.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for poll result")
	}
}

func TestRefCountingStopsAtZero(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)

	c.AddRef(context.Background())
	c.AddRef(context.Background())
	c.RemoveRef()

	if !c.shouldPoll {
		t.Fatal("expected polling to still be active with one ref remaining")
	}

	c.RemoveRef()
	time.Sleep(20 * time.Millisecond)
	if c.shouldPoll {
		t.Fatal("expected polling to stop once refs reach zero")
	}
}

func TestNoOpPollSuppressesRequests(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)
	c.SetNoOpPoll(true)

	c.AddRef(context.Background())
	defer c.RemoveRef()

	time.Sleep(30 * time.Millisecond)
	if ft.calls.Load() != 0 {
		t.Fatalf("expected no poll calls while DSNoOpPoll is set, got %d", ft.calls.Load())
	}
}

func TestPollWaitHintAdjustsInterval(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)

	hinted := message.New(message.KindCommand)
	hinted.SetHeader(message.HeaderDSPollWait, 250)
	c.applyResponseHints([]*message.Message{hinted})

	c.mu.Lock()
	interval := c.interval
	c.mu.Unlock()
	if interval != 250*time.Millisecond {
		t.Fatalf("interval = %v, want 250ms after DSPollWait hint", interval)
	}
}

func TestNoOpPollReplyIsNotFannedOut(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)

	noOp := message.New(message.KindCommand)
	noOp.SetHeader(message.HeaderDSNoOpPoll, true)
	real := message.New(message.KindAsync)

	out := c.applyResponseHints([]*message.Message{noOp, real})
	if len(out) != 1 || out[0] != real {
		t.Fatalf("expected only the real message to survive, got %d messages", len(out))
	}
}

func TestPiggybackDrainsPending(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)
	c.SetPiggyback(true)
	c.Enqueue(message.New(message.KindCommand))

	c.AddRef(context.Background())
	defer c.RemoveRef()

	select {
	case <-c.Results():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for poll result")
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected pending queue drained, got %d remaining", pending)
	}
}

func TestActiveNotifyFiresOnStartAndStop(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 5*time.Millisecond, nil)

	var active atomic.Bool
	var transitions atomic.Int32
	c.SetActiveNotify(func(v bool) {
		active.Store(v)
		transitions.Add(1)
	})

	c.AddRef(context.Background())
	if !active.Load() {
		t.Fatal("expected notify(true) when the first ref starts the loop")
	}
	c.AddRef(context.Background())
	c.RemoveRef()
	if got := transitions.Load(); got != 1 {
		t.Fatalf("expected no extra notifications while refs remain, got %d transitions", got)
	}
	c.RemoveRef()
	if active.Load() {
		t.Fatal("expected notify(false) once refs reach zero")
	}
}
