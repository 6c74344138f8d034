// Package amfchannel implements the AMF binary channel: a channel that
// exchanges AMF3-encoded remoting envelopes over HTTP, probes the
// endpoint with a ping message before declaring itself connected, and
// maintains session continuity by appending the server-assigned
// flexClientId to the gateway URL on reconnect.
package amfchannel

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/amf3"
	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/channel/polling"
	"github.com/flexrpc/flexrpc-go/internal/config"
	"github.com/flexrpc/flexrpc-go/internal/httpkit"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// messagingVersion is advertised in the ping probe's headers.
const messagingVersion = 1.0

// Channel is an AMF binary remoting channel over HTTP.
type Channel struct {
	*channel.BaseChannel

	httpClient *http.Client
	registry   *amf3.AliasRegistry
	poll       *polling.Channel

	mu             sync.Mutex
	flexClientID   string
	nextResponseID int
	needsConfig    bool
	authenticated  bool
	serverConfig   map[string]any
}

// New creates an AMF channel against uri, sending requests through
// httpClient (created with httpkit.NewClient if nil).
func New(id, uri string, httpClient *http.Client, logger *slog.Logger) *Channel {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	c := &Channel{
		BaseChannel: channel.NewBaseChannel(id, uri, 0, logger),
		httpClient:  httpClient,
		registry:    amf3.DefaultRegistry,
	}
	c.poll = polling.New(c, polling.DefaultInterval, logger)
	return c
}

// Poll exposes the underlying poll engine so agents can add/remove a
// polling reference.
func (c *Channel) Poll() *polling.Channel { return c.poll }

// ReconnectDelay asks the channel-set for a one-tick pause before the
// next candidate is tried after this channel fails: the underlying
// HTTP transport needs a beat to tear down before a sibling AMF
// channel reuses the session.
func (c *Channel) ReconnectDelay() time.Duration { return 10 * time.Millisecond }

// Connect probes the endpoint with a ping Command message. A
// successful ping response carrying DSId captures the flexClientId for
// session continuity; a Client.Authentication fault means the channel
// is reachable but the caller must authenticate before sending further
// requests.
func (c *Channel) Connect(ctx context.Context) error {
	c.SetState(channel.StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	ping := message.NewCommand(message.OpPing)
	ping.SetHeader(message.HeaderDSMessagingVersion, messagingVersion)

	resp, err := c.roundTrip(connectCtx, []*message.Message{ping})
	if err != nil {
		c.SetState(channel.StateDisconnected)
		return fmt.Errorf("amfchannel: ping failed: %w", err)
	}

	for _, m := range resp {
		if m.Kind == message.KindError && m.FaultCode == "Client.Authentication" {
			c.SetState(channel.StateConnected)
			c.mu.Lock()
			c.authenticated = false
			c.mu.Unlock()
			c.Logger.Info("amf channel connected, authentication required")
			return nil
		}
		if id, ok := m.Header(message.HeaderDSId); ok {
			if s, ok := id.(string); ok {
				c.mu.Lock()
				c.flexClientID = s
				c.mu.Unlock()
			}
		}
		if need, ok := m.Header(message.HeaderDSNeedsConfig); ok {
			if b, ok := need.(bool); ok {
				c.mu.Lock()
				c.needsConfig = b
				c.mu.Unlock()
			}
		}
		if cfg, ok := m.Body.(map[string]any); ok {
			c.applyServerConfig(cfg)
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.SetState(channel.StateConnected)
	c.ResetFailover()
	c.Logger.Info("amf channel connected")
	return nil
}

// applyServerConfig stores the dynamic channel configuration a ping
// reply may carry and applies the settings this channel understands.
// Currently that is "polling-interval-millis", handed to the poll
// engine; the full map is retained for ServerConfig callers.
func (c *Channel) applyServerConfig(cfg map[string]any) {
	c.mu.Lock()
	c.serverConfig = cfg
	c.mu.Unlock()
	if ms, ok := cfg["polling-interval-millis"]; ok {
		switch n := ms.(type) {
		case int:
			c.poll.SetInterval(time.Duration(n) * time.Millisecond)
		case float64:
			c.poll.SetInterval(time.Duration(n) * time.Millisecond)
		}
	}
}

// ServerConfig returns the dynamic configuration captured from the
// most recent ping reply, nil if the server never sent one.
func (c *Channel) ServerConfig() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverConfig
}

// Disconnect sends a disconnect Command and transitions to disconnected
// regardless of the server's reply.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.SetState(channel.StateDisconnecting)
	defer c.SetState(channel.StateDisconnected)

	cmd := message.NewCommand(message.OpDisconnect)
	_, err := c.roundTrip(ctx, []*message.Message{cmd})
	return err
}

// Logout sends a logout Command and clears stored credentials on
// success.
func (c *Channel) Logout(ctx context.Context) error {
	cmd := message.NewCommand(message.OpLogout)
	_, err := c.roundTrip(ctx, []*message.Message{cmd})
	if err == nil {
		c.ClearCredentials()
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
	}
	return err
}

// Send submits msg and returns a MessageResponder settled once the
// matching reply arrives in the HTTP response body.
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error) {
	if c.State() != channel.StateConnected {
		return nil, channel.ErrNotConnected
	}
	responder := channel.NewMessageResponder(msg, 0)

	go func() {
		resp, err := c.roundTrip(ctx, []*message.Message{msg})
		if err != nil {
			responder.Fault(msg.Fault("Server.Error", err.Error(), ""))
			return
		}
		for _, m := range resp {
			if m.Kind == message.KindError {
				responder.Fault(m)
				return
			}
			responder.Resolve(m)
			return
		}
		responder.Resolve(msg.Acknowledge())
	}()

	return responder, nil
}

// PollOnce implements polling.Transport, sending outgoing (or a bare
// poll Command if empty) and returning whatever the server pushed
// back.
func (c *Channel) PollOnce(ctx context.Context, outgoing []*message.Message) ([]*message.Message, error) {
	batch := outgoing
	if len(batch) == 0 {
		batch = []*message.Message{message.NewCommand(message.OpPoll)}
	}
	return c.roundTrip(ctx, batch)
}

// AppendToGatewayURL returns uri with the captured flexClientId
// appended, letting the server recognize a reopened connection as the
// same logical client without a second ping round trip.
func (c *Channel) AppendToGatewayURL(uri string) string {
	c.mu.Lock()
	id := c.flexClientID
	c.mu.Unlock()
	if id == "" {
		return uri
	}
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "flexClientId=" + id
}

// roundTrip encodes bodies as one AMF3 remoting envelope, POSTs it to
// the channel's current URI, and decodes the response envelope into
// Message values.
func (c *Channel) roundTrip(ctx context.Context, bodies []*message.Message) ([]*message.Message, error) {
	env := &amf3.Envelope{Version: amf3.AMF3Version}
	for _, m := range bodies {
		c.mu.Lock()
		c.nextResponseID++
		respID := c.nextResponseID
		c.mu.Unlock()
		env.Bodies = append(env.Bodies, amf3.EnvelopeBody{
			TargetURI:   destinationTarget(m),
			ResponseURI: amf3.NextResponseURI(respID),
			Value:       commandBodyValue(m),
		})
	}

	payload, err := amf3.EncodeEnvelope(env, c.registry)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	c.Logger.Log(ctx, config.LevelTrace, "amf envelope out", "bytes", hex.EncodeToString(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AppendToGatewayURL(c.CurrentURI()), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("amfchannel: unexpected status %d: %s", resp.StatusCode, errBody)
	}

	respBody, err := io.ReadAll(resp.Body)
	httpkit.DrainAndClose(resp.Body, 4096)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	c.Logger.Log(ctx, config.LevelTrace, "amf envelope in", "bytes", hex.EncodeToString(respBody))

	respEnv, err := amf3.DecodeEnvelope(respBody, c.registry)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	out := make([]*message.Message, 0, len(respEnv.Bodies))
	for _, b := range respEnv.Bodies {
		out = append(out, replyToMessage(b))
	}
	return out, nil
}

func destinationTarget(m *message.Message) string {
	if m.Destination != "" {
		return m.Destination
	}
	return "messagebroker"
}

// commandBodyValue builds the AMF value carried in a remoting body for
// a Message. The concrete wire shape is an AMF object keyed by the
// message's common attributes plus its kind-specific fields.
func commandBodyValue(m *message.Message) *amf3.Object {
	obj := amf3.NewObject()
	obj.SetDynamic("messageId", m.MessageID)
	obj.SetDynamic("correlationId", m.CorrelationID)
	obj.SetDynamic("clientId", m.ClientID)
	obj.SetDynamic("destination", m.Destination)
	obj.SetDynamic("operation", int(m.Operation))
	obj.SetDynamic("body", m.Body)
	for k, v := range m.Headers {
		obj.SetDynamic("header:"+k, v)
	}
	return obj
}

// replyToMessage converts a decoded envelope body back into a Message.
// A body whose payload is an Object carrying a faultCode dynamic
// property decodes as a KindError message; otherwise it is KindAsync.
func replyToMessage(b amf3.EnvelopeBody) *message.Message {
	obj, ok := b.Value.(*amf3.Object)
	if !ok {
		m := message.New(message.KindAsync)
		m.Body = b.Value
		return m
	}
	if fc, ok := obj.Dynamic["faultCode"]; ok {
		fcStr, _ := fc.(string)
		fs, _ := obj.Dynamic["faultString"].(string)
		fd, _ := obj.Dynamic["faultDetail"].(string)
		m := message.New(message.KindError)
		m.FaultCode = fcStr
		m.FaultString = fs
		m.FaultDetail = fd
		return m
	}
	m := message.New(message.KindAsync)
	if cid, ok := obj.Dynamic["clientId"].(string); ok {
		m.ClientID = cid
	}
	m.Body = obj.Dynamic["body"]
	for k, v := range obj.Dynamic {
		if strings.HasPrefix(k, "header:") {
			m.SetHeader(strings.TrimPrefix(k, "header:"), v)
		}
	}
	return m
}
