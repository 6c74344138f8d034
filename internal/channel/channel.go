// Package channel defines the Channel interface and the state machine
// shared by every concrete channel implementation (AMF, direct-HTTP,
// polling, streaming): a connect/disconnect lifecycle with failover-URI
// recursion, credential handling, and per-send response correlation.
package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

// State is a Channel's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DefaultConnectTimeout is the connect timeout applied when a channel's
// configuration does not override it.
const DefaultConnectTimeout = 20 * time.Second

// ErrNotConnected is returned by Send when the channel is in any state
// other than connected, including while a connect is still in progress.
var ErrNotConnected = errors.New("channel: not connected")

// ErrAlreadyConnecting reports an overlapping Connect call. No Connect
// in this module returns it; overlapping calls are not detected.
var ErrAlreadyConnecting = errors.New("channel: connect already in progress")

// Channel is the transport-agnostic interface every concrete channel
// implements.
type Channel interface {
	ID() string
	State() State
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, msg *message.Message) (*MessageResponder, error)
	SetCredentials(username, password string)
	Logout(ctx context.Context) error
	SetFailoverURIs(uris []string)
}

// ReconnectDelayer is implemented by channels that must not be retried
// immediately after a connect failure. The channel-set waits the
// returned duration before attempting the next candidate when the one
// that just failed implements this.
type ReconnectDelayer interface {
	ReconnectDelay() time.Duration
}

// MessageResponder correlates one outbound Send with its eventual
// result or fault, with an optional per-send timeout independent of the
// channel's connect timeout.
type MessageResponder struct {
	Message *message.Message
	Timeout time.Duration

	mu       sync.Mutex
	settled  bool
	result   *message.Message
	fault    *message.Message
	done     chan struct{}
}

// NewMessageResponder wraps msg for a single send, with timeout applied
// if non-zero.
func NewMessageResponder(msg *message.Message, timeout time.Duration) *MessageResponder {
	return &MessageResponder{
		Message: msg,
		Timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Resolve settles the responder with a successful result. Only the
// first of Resolve/Fault takes effect.
func (r *MessageResponder) Resolve(result *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.result = result
	close(r.done)
}

// Fault settles the responder with a fault. Only the first of
// Resolve/Fault takes effect.
func (r *MessageResponder) Fault(fault *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.fault = fault
	close(r.done)
}

// Wait blocks until the responder settles, ctx is done, or Timeout
// elapses (when non-zero), returning the result or an error describing
// the fault/timeout/cancellation.
func (r *MessageResponder) Wait(ctx context.Context) (*message.Message, error) {
	var timeoutCh <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fault != nil {
			return nil, fmt.Errorf("channel: fault %s: %s", r.fault.FaultCode, r.fault.FaultString)
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutCh:
		return nil, fmt.Errorf("channel: send timed out after %s", r.Timeout)
	}
}

// Credentials holds a username/password pair along with the charset
// hint sent in the DSCredsCharset header.
type Credentials struct {
	Username string
	Password string
	Charset  string
}

// Encode returns the base64-encoded "username:password" form used in
// the login command body. The pair is encoded as ISO-8859-1 bytes
// unless Charset selects UTF-8; runes outside Latin-1 are replaced
// with '?', matching how the endpoint decodes the default charset.
func (c Credentials) Encode() string {
	pair := c.Username + ":" + c.Password
	if strings.EqualFold(c.Charset, "UTF-8") {
		return base64.StdEncoding.EncodeToString([]byte(pair))
	}
	latin1 := make([]byte, 0, len(pair))
	for _, r := range pair {
		if r > 0xFF {
			r = '?'
		}
		latin1 = append(latin1, byte(r))
	}
	return base64.StdEncoding.EncodeToString(latin1)
}

// BaseChannel implements the connect/disconnect state machine and
// failover-URI recursion shared by every concrete channel. Concrete
// channels embed BaseChannel and implement the transport-level
// connect/send/disconnect work in their own methods.
type BaseChannel struct {
	IDValue        string
	URI            string
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	mu           sync.RWMutex
	state        State
	failoverURIs []string
	failoverIdx  int
	creds        *Credentials
	localCreds   *Credentials
}

// NewBaseChannel creates a BaseChannel with the given id and primary
// URI. connectTimeout of zero uses DefaultConnectTimeout.
func NewBaseChannel(id, uri string, connectTimeout time.Duration, logger *slog.Logger) *BaseChannel {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseChannel{
		IDValue:        id,
		URI:            uri,
		ConnectTimeout: connectTimeout,
		Logger:         logger.With("channel_id", id),
		state:          StateDisconnected,
	}
}

// ID returns the channel's configured identifier.
func (b *BaseChannel) ID() string { return b.IDValue }

// State returns the current lifecycle state.
func (b *BaseChannel) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState transitions the channel to s, logging the transition.
func (b *BaseChannel) SetState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.Logger.Debug("channel state transition", "from", prev, "to", s)
	}
}

// SetFailoverURIs records the ordered list of alternate endpoint URIs
// tried after the primary URI fails.
func (b *BaseChannel) SetFailoverURIs(uris []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failoverURIs = uris
	b.failoverIdx = 0
}

// CurrentURI returns the primary URI, or the current failover URI if
// recursion has advanced past it.
func (b *BaseChannel) CurrentURI() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.failoverIdx == 0 {
		return b.URI
	}
	return b.failoverURIs[b.failoverIdx-1]
}

// AdvanceFailover moves to the next failover URI. It returns false once
// every failover URI has been exhausted, at which point the caller
// should surface a connect failure rather than retry again.
func (b *BaseChannel) AdvanceFailover() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failoverIdx >= len(b.failoverURIs) {
		return false
	}
	b.failoverIdx++
	return true
}

// ResetFailover returns to the primary URI, called on a successful
// connect so the next outage starts from the top of the list again.
func (b *BaseChannel) ResetFailover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failoverIdx = 0
}

// SetCredentials stores local (per-channel) credentials, which
// Credentials returns ahead of any remote credentials. No channel in
// this module sends a login Command built from them on connect or
// before a Send.
func (b *BaseChannel) SetCredentials(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localCreds = &Credentials{Username: username, Password: password}
}

// Credentials returns the local credentials, if any were set via
// SetCredentials, falling back to remote credentials set by the
// channel-set's synthetic login agent.
func (b *BaseChannel) Credentials() *Credentials {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.localCreds != nil {
		return b.localCreds
	}
	return b.creds
}

// SetRemoteCredentials is called by the channel-set after a successful
// login command, distinct from SetCredentials which is a local,
// caller-supplied slot.
func (b *BaseChannel) SetRemoteCredentials(c *Credentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = c
}

// ClearCredentials drops both credential slots, called after Logout.
func (b *BaseChannel) ClearCredentials() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localCreds = nil
	b.creds = nil
}
