// Package token implements AsyncToken and Responder: the
// application-facing callback API layered over a single outbound
// message, generalizing the single request/response pattern used
// elsewhere in this codebase to support any number of independently
// attached responders.
package token

import (
	"sync"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

// Responder receives the eventual result or fault for the message an
// AsyncToken represents.
type Responder interface {
	Result(msg *message.Message)
	Fault(msg *message.Message)
}

// ResponderFunc adapts a pair of functions to the Responder interface.
type ResponderFunc struct {
	OnResult func(msg *message.Message)
	OnFault  func(msg *message.Message)
}

func (r ResponderFunc) Result(msg *message.Message) {
	if r.OnResult != nil {
		r.OnResult(msg)
	}
}

func (r ResponderFunc) Fault(msg *message.Message) {
	if r.OnFault != nil {
		r.OnFault(msg)
	}
}

// AsyncToken represents one outbound message and the ordered list of
// Responders waiting on its outcome. A token settles at most once;
// every attached Responder is invoked in attachment order. A Responder
// added after settlement fires immediately with the already-known
// outcome rather than being silently dropped.
type AsyncToken struct {
	Message *message.Message

	mu         sync.Mutex
	responders []Responder
	settled    bool
	isFault    bool
	outcome    *message.Message
}

// New creates an AsyncToken for msg.
func New(msg *message.Message) *AsyncToken {
	return &AsyncToken{Message: msg}
}

// AddResponder attaches r to the token. If the token has already
// settled, r is invoked immediately with the stored outcome.
func (t *AsyncToken) AddResponder(r Responder) {
	t.mu.Lock()
	if !t.settled {
		t.responders = append(t.responders, r)
		t.mu.Unlock()
		return
	}
	outcome, isFault := t.outcome, t.isFault
	t.mu.Unlock()

	if isFault {
		r.Fault(outcome)
	} else {
		r.Result(outcome)
	}
}

// SetResult settles the token with a successful result, invoking every
// attached Responder in order. Only the first of SetResult/SetFault
// takes effect.
func (t *AsyncToken) SetResult(result *message.Message) {
	t.settle(result, false)
}

// SetFault settles the token with a fault, invoking every attached
// Responder in order. Only the first of SetResult/SetFault takes
// effect.
func (t *AsyncToken) SetFault(fault *message.Message) {
	t.settle(fault, true)
}

func (t *AsyncToken) settle(outcome *message.Message, isFault bool) {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	t.settled = true
	t.outcome = outcome
	t.isFault = isFault
	responders := t.responders
	t.mu.Unlock()

	for _, r := range responders {
		if isFault {
			r.Fault(outcome)
		} else {
			r.Result(outcome)
		}
	}
}

// Cancel settles the token with a canceled fault. The response that
// eventually arrives for the underlying message finds the token
// already settled and is dropped, so no responder fires twice.
func (t *AsyncToken) Cancel() {
	fault := t.Message.Fault("Client.Cancelled", "call cancelled", "")
	t.settle(fault, true)
}

// Settled reports whether the token has resolved or faulted.
func (t *AsyncToken) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}
