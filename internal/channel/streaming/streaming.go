// Package streaming implements the streaming-channel variant: in place
// of a poll timer it keeps a long-lived WebSocket open and runs a read
// loop over it. It does not use package polling; its AddRef/RemoveRef
// only keep a reference count.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// wireMessage is the JSON envelope exchanged over the WebSocket. AMF
// binary framing is reserved for the request/response channel family;
// the streaming channel carries messages as JSON.
type wireMessage struct {
	ID            int64          `json:"id,omitempty"`
	Kind          string         `json:"kind"`
	MessageID     string         `json:"messageId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	Destination   string         `json:"destination,omitempty"`
	Body          any            `json:"body,omitempty"`
	FaultCode     string         `json:"faultCode,omitempty"`
	FaultString   string         `json:"faultString,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
}

// Channel is a streaming channel over a WebSocket connection.
type Channel struct {
	*channel.BaseChannel

	conn   *websocket.Conn
	connMu sync.Mutex
	nextID atomic.Int64

	pending   map[int64]chan *message.Message
	pendingMu sync.Mutex

	refMu      sync.Mutex
	refCount   int
	cancelLoop context.CancelFunc

	inbound chan *message.Message
}

// New creates a streaming channel against uri (converted from
// http(s) to ws(s) on Connect).
func New(id, uri string, logger *slog.Logger) *Channel {
	return &Channel{
		BaseChannel: channel.NewBaseChannel(id, uri, 0, logger),
		pending:     make(map[int64]chan *message.Message),
		inbound:     make(chan *message.Message, 64),
	}
}

// Inbound returns the channel of server-pushed messages that are not
// correlated responses to an outstanding Send (subscription pushes).
func (c *Channel) Inbound() <-chan *message.Message { return c.inbound }

// Connect dials the WebSocket endpoint and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	c.SetState(channel.StateConnecting)

	u, err := url.Parse(c.CurrentURI())
	if err != nil {
		c.SetState(channel.StateDisconnected)
		return fmt.Errorf("streaming: parse URI: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.SetState(channel.StateDisconnected)
		return fmt.Errorf("streaming: dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoop = cancel
	go c.readLoop(loopCtx)

	c.SetState(channel.StateConnected)
	c.ResetFailover()
	return nil
}

// Disconnect closes the WebSocket connection and stops the read loop.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.SetState(channel.StateDisconnecting)
	defer c.SetState(channel.StateDisconnected)

	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Logout is a no-op: no logout Command is sent over the WebSocket, and
// ChannelSet.Logout sends none of its own.
func (c *Channel) Logout(ctx context.Context) error { return nil }

// AddRef/RemoveRef mirror polling.Channel's reference-counting methods
// so an agent can add or remove a polling reference whichever kind of
// channel its channel-set chose. Here they only maintain the count:
// nothing is started or stopped, and the connection stays open or
// closed regardless of it.
func (c *Channel) AddRef(ctx context.Context) {
	c.refMu.Lock()
	c.refCount++
	c.refMu.Unlock()
}

func (c *Channel) RemoveRef() {
	c.refMu.Lock()
	if c.refCount > 0 {
		c.refCount--
	}
	c.refMu.Unlock()
}

// Send writes msg to the WebSocket and returns at once; the responder
// settles when the correlated reply arrives, ctx is done, or 30 seconds
// pass.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error) {
	if c.State() != channel.StateConnected {
		return nil, channel.ErrNotConnected
	}

	id := c.nextID.Add(1)
	replyCh := make(chan *message.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	wm := wireMessage{
		ID:            id,
		Kind:          msg.Kind.String(),
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		ClientID:      msg.ClientID,
		Destination:   msg.Destination,
		Body:          msg.Body,
		Headers:       msg.Headers,
	}

	c.connMu.Lock()
	err := c.conn.WriteJSON(wm)
	c.connMu.Unlock()

	responder := channel.NewMessageResponder(msg, 30*time.Second)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		responder.Fault(msg.Fault("Server.Error", err.Error(), ""))
		return responder, nil
	}

	go func() {
		defer func() {
			c.pendingMu.Lock()
			delete(c.pending, id)
			c.pendingMu.Unlock()
		}()
		select {
		case reply := <-replyCh:
			if reply.Kind == message.KindError {
				responder.Fault(reply)
				return
			}
			responder.Resolve(reply)
		case <-ctx.Done():
			responder.Fault(msg.Fault("Client.Cancelled", ctx.Err().Error(), ""))
		case <-time.After(responder.Timeout):
			responder.Fault(msg.Fault("Server.Timeout", "no reply received", ""))
		}
	}()

	return responder, nil
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var wm wireMessage
		if err := conn.ReadJSON(&wm); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.Logger.Warn("streaming channel read error, treating as disconnect", "error", err)
			c.SetState(channel.StateDisconnected)
			return
		}

		if wm.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[wm.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- wireToMessage(wm)
				continue
			}
		}

		select {
		case c.inbound <- wireToMessage(wm):
		default:
			c.Logger.Warn("streaming inbound channel full, dropping push")
		}
	}
}

func wireToMessage(wm wireMessage) *message.Message {
	kind := message.KindAsync
	if wm.FaultCode != "" {
		kind = message.KindError
	}
	m := message.New(kind)
	m.MessageID = wm.MessageID
	m.CorrelationID = wm.CorrelationID
	m.ClientID = wm.ClientID
	m.Destination = wm.Destination
	m.Body = wm.Body
	m.FaultCode = wm.FaultCode
	m.FaultString = wm.FaultString
	if wm.Headers != nil {
		m.Headers = wm.Headers
	}
	return m
}
