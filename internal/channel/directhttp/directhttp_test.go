package directhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

func TestConnectIsAlwaysImmediate(t *testing.T) {
	c := New("direct", "https://example.invalid", nil, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State().String() != "connected" {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New("direct", srv.URL, srv.Client(), nil)
	c.Connect(context.Background())

	msg := message.New(message.KindHTTPRequest)
	msg.URL = srv.URL
	msg.Method = http.MethodGet

	responder, err := c.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	result, err := responder.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	body, ok := result.Body.([]byte)
	if !ok || string(body) != "hello" {
		t.Fatalf("unexpected body: %v", result.Body)
	}
}

func TestSendFaultsOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("direct", srv.URL, srv.Client(), nil)
	msg := message.New(message.KindHTTPRequest)
	msg.URL = srv.URL

	responder, _ := c.Send(context.Background(), msg)
	_, err := responder.Wait(context.Background())
	if err == nil {
		t.Fatal("expected fault on HTTP 500")
	}
}
