package amfchannel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexrpc/flexrpc-go/internal/amf3"
	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// serverReplying builds an httptest.Server that decodes one remoting
// envelope per request and replies with a single body built by reply.
func serverReplying(t *testing.T, reply func(in *amf3.Envelope) *amf3.Object) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		in, err := amf3.DecodeEnvelope(body, nil)
		if err != nil {
			t.Fatalf("decode request envelope: %v", err)
		}

		out := &amf3.Envelope{Version: amf3.AMF3Version}
		for i := range in.Bodies {
			out.Bodies = append(out.Bodies, amf3.EnvelopeBody{
				TargetURI:   in.Bodies[i].TargetURI + "/onResult",
				ResponseURI: "",
				Value:       reply(in),
			})
		}

		payload, err := amf3.EncodeEnvelope(out, nil)
		if err != nil {
			t.Fatalf("encode response envelope: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-amf")
		w.Write(payload)
	}))
}

func TestConnectCapturesFlexClientID(t *testing.T) {
	srv := serverReplying(t, func(in *amf3.Envelope) *amf3.Object {
		obj := amf3.NewObject()
		obj.SetDynamic("clientId", "server-assigned")
		obj.SetDynamic("header:DSId", "server-assigned")
		return obj
	})
	defer srv.Close()

	c := New("amf-1", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != channel.StateConnected {
		t.Fatalf("state = %v, want Connected", c.State())
	}
	if got := c.AppendToGatewayURL(srv.URL); got != srv.URL+"?flexClientId=server-assigned" {
		t.Fatalf("AppendToGatewayURL = %q", got)
	}
}

func TestConnectAuthenticationFaultStaysConnected(t *testing.T) {
	srv := serverReplying(t, func(in *amf3.Envelope) *amf3.Object {
		obj := amf3.NewObject()
		obj.SetDynamic("faultCode", "Client.Authentication")
		obj.SetDynamic("faultString", "credentials required")
		return obj
	})
	defer srv.Close()

	c := New("amf-2", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != channel.StateConnected {
		t.Fatalf("state = %v, want Connected despite auth fault", c.State())
	}
}

func TestConnectTransportFailureDisconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("amf-3", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if c.State() != channel.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestSendResolvesWithAckBody(t *testing.T) {
	srv := serverReplying(t, func(in *amf3.Envelope) *amf3.Object {
		obj := amf3.NewObject()
		obj.SetDynamic("body", "pong")
		return obj
	})
	defer srv.Close()

	c := New("amf-4", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := message.New(message.KindAsync)
	msg.Destination = "echo-service"
	responder, err := c.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	result, err := responder.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Body != "pong" {
		t.Fatalf("Body = %v, want pong", result.Body)
	}
}

func TestSendFaultsOnErrorReply(t *testing.T) {
	srv := serverReplying(t, func(in *amf3.Envelope) *amf3.Object {
		obj := amf3.NewObject()
		obj.SetDynamic("faultCode", "Server.Error")
		obj.SetDynamic("faultString", "boom")
		return obj
	})
	defer srv.Close()

	c := New("amf-5", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := message.New(message.KindAsync)
	msg.Destination = "echo-service"
	responder, err := c.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := responder.Wait(context.Background()); err == nil {
		t.Fatal("expected Wait to return an error for a fault reply")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	c := New("amf-6", "http://example.invalid", nil, nil)
	_, err := c.Send(context.Background(), message.New(message.KindAsync))
	if err != channel.ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestPollOnceReturnsPushedMessages(t *testing.T) {
	srv := serverReplying(t, func(in *amf3.Envelope) *amf3.Object {
		obj := amf3.NewObject()
		obj.SetDynamic("body", "pushed")
		return obj
	})
	defer srv.Close()

	c := New("amf-7", srv.URL, srv.Client(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := c.PollOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(out) != 1 || out[0].Body != "pushed" {
		t.Fatalf("PollOnce = %+v", out)
	}
}

func TestDisconnectTransitionsRegardlessOfReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("amf-8", srv.URL, srv.Client(), nil)
	c.SetState(channel.StateConnected)
	_ = c.Disconnect(context.Background())
	if c.State() != channel.StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestAppendToGatewayURLNoopWithoutFlexClientID(t *testing.T) {
	c := New("amf-9", "http://example.invalid/gateway", nil, nil)
	if got := c.AppendToGatewayURL("http://example.invalid/gateway"); got != "http://example.invalid/gateway" {
		t.Fatalf("AppendToGatewayURL = %q, want unchanged", got)
	}
}

