package agent

import (
	"context"
	"fmt"

	"github.com/flexrpc/flexrpc-go/internal/message"
	"github.com/flexrpc/flexrpc-go/internal/token"
)

// RemoteObject invokes named operations on a destination, the RPC
// counterpart to Producer/Consumer's messaging agents.
type RemoteObject struct {
	*MessageAgent
}

// NewRemoteObject creates a RemoteObject targeting destination.
func NewRemoteObject(agent *MessageAgent) *RemoteObject {
	return &RemoteObject{MessageAgent: agent}
}

// Call invokes the named remote operation with args and blocks for its
// outcome by attaching a one-shot Responder to the returned AsyncToken,
// applying the agent's concurrency policy like any other Invoke.
func (r *RemoteObject) Call(ctx context.Context, operation string, args ...any) (any, error) {
	tok, err := r.CallAsync(ctx, operation, args...)
	if err != nil {
		return nil, err
	}
	return awaitToken(ctx, tok)
}

// CallAsync invokes the named remote operation and returns the
// AsyncToken without blocking for the result, letting callers attach
// any number of their own Responders — including after the call has
// already settled.
func (r *RemoteObject) CallAsync(ctx context.Context, operation string, args ...any) (*token.AsyncToken, error) {
	body := map[string]any{
		"operation": operation,
		"arguments": args,
	}
	return r.Invoke(ctx, body)
}

// awaitToken blocks until tok settles or ctx is done, the bridge
// between the blocking Call and the callback-based AsyncToken.
func awaitToken(ctx context.Context, tok *token.AsyncToken) (any, error) {
	type outcome struct {
		msg   *message.Message
		fault bool
	}
	done := make(chan outcome, 1)
	tok.AddResponder(token.ResponderFunc{
		OnResult: func(msg *message.Message) { done <- outcome{msg: msg} },
		OnFault:  func(msg *message.Message) { done <- outcome{msg: msg, fault: true} },
	})
	select {
	case o := <-done:
		if o.fault {
			return nil, fmt.Errorf("agent: fault %s: %s", o.msg.FaultCode, o.msg.FaultString)
		}
		return o.msg.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
