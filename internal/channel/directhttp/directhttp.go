// Package directhttp implements DirectHTTPChannel: a trivial,
// always-connected channel used by HTTP service operations when no
// proxy channel has been configured.
package directhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/httpkit"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// Channel is a DirectHTTPChannel: Connect/Disconnect are no-ops since
// every Send is an independent HTTP request, and a synthetic client ID
// is generated once per instance since there is no handshake to assign
// one.
type Channel struct {
	*channel.BaseChannel

	httpClient   *http.Client
	flexClientID string
}

// New creates a DirectHTTPChannel against uri.
func New(id, uri string, httpClient *http.Client, logger *slog.Logger) *Channel {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithCookieJar())
	}
	c := &Channel{
		BaseChannel:  channel.NewBaseChannel(id, uri, 0, logger),
		httpClient:   httpClient,
		flexClientID: "direct-" + id,
	}
	return c
}

// Connect marks the channel connected immediately; there is no
// handshake to perform.
func (c *Channel) Connect(ctx context.Context) error {
	c.SetState(channel.StateConnected)
	return nil
}

// Disconnect marks the channel disconnected; there is no server-side
// session to tear down.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.SetState(channel.StateDisconnected)
	return nil
}

// Logout is a no-op: DirectHTTPChannel carries no server-side session.
func (c *Channel) Logout(ctx context.Context) error { return nil }

// Send issues msg.Body as an HTTP request using msg's HTTPRequest
// fields (URL/Method/ContentType/HTTPHeaders), passing the raw response
// body back as the settled message's Body (used by internal/httpop
// when no proxy channel applies).
func (c *Channel) Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error) {
	responder := channel.NewMessageResponder(msg, 0)

	go func() {
		method := msg.Method
		if method == "" {
			method = http.MethodGet
		}
		url := msg.URL
		if url == "" {
			url = c.CurrentURI()
		}

		var bodyReader io.Reader
		if b, ok := msg.Body.([]byte); ok && len(b) > 0 {
			bodyReader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			responder.Fault(msg.Fault("Client.Error", err.Error(), ""))
			return
		}
		if msg.ContentType != "" {
			req.Header.Set("Content-Type", msg.ContentType)
		}
		for k, v := range msg.HTTPHeaders {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			responder.Fault(msg.Fault("Server.Error", err.Error(), ""))
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			responder.Fault(msg.Fault("Server.Error", fmt.Sprintf("reading response: %v", err), ""))
			return
		}

		if resp.StatusCode >= 400 {
			responder.Fault(msg.Fault("Server.HTTP", fmt.Sprintf("HTTP %d", resp.StatusCode), string(body)))
			return
		}

		ack := msg.Acknowledge()
		ack.Body = body
		ack.ClientID = c.flexClientID
		responder.Resolve(ack)
	}()

	return responder, nil
}
