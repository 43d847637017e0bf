package pushchan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }

func newHubServer(t *testing.T, hub *Hub) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var auth atomic.Value
	auth.Store("")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := strings.TrimPrefix(r.URL.Path, "/v1/channels/")
		auth.Store(r.Header.Get("Authorization"))
		hub.Serve(w, r, channel)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)
	return server, &auth
}

func waitForSubscribers(t *testing.T, hub *Hub, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(channel) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %s, got %d", want, channel, hub.Subscribers(channel))
}

func nextEvent(t *testing.T, events <-chan syncstate.Event) syncstate.Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("stream ended before event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return syncstate.Event{}
}

func TestFrameRoundTripAndValidation(t *testing.T) {
	frame, err := NewFrame("reports", "created", map[string]string{"id": "r1"})
	if err != nil {
		t.Fatalf("new frame failed: %v", err)
	}
	encoded, err := EncodeFrame(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Channel != "reports" || decoded.Event != "created" || string(decoded.Data) != `{"id":"r1"}` {
		t.Fatalf("unexpected frame %+v", decoded)
	}
	if _, err := DecodeFrame([]byte(`{"channel":"reports"}`)); err == nil {
		t.Fatalf("expected frame without event to fail")
	}
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed frame to fail")
	}
}

func TestDialerReceivesPublishedEvents(t *testing.T) {
	hub := NewHub(nil)
	server, auth := newHubServer(t, hub)

	dialer := NewDialer(server.URL, staticToken("tok"), nil, nil)
	stream, err := dialer.Subscribe(context.Background(), "report.r1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()
	waitForSubscribers(t, hub, "report.r1", 1)
	if got := auth.Load().(string); got != "Bearer tok" {
		t.Fatalf("expected bearer on handshake, got %q", got)
	}

	if n := hub.Publish("reports", "created", map[string]string{"id": "other"}); n != 0 {
		t.Fatalf("expected no peers on reports, got %d", n)
	}
	if n := hub.Publish("report.r1", "created", map[string]string{"id": "m1"}); n != 1 {
		t.Fatalf("expected one peer on report.r1, got %d", n)
	}
	event := nextEvent(t, stream.Events())
	if event.Channel != "report.r1" || event.Name != "created" || string(event.Data) != `{"id":"m1"}` {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStreamCloseDetachesPeer(t *testing.T) {
	hub := NewHub(nil)
	server, _ := newHubServer(t, hub)

	stream, err := NewDialer(server.URL, nil, nil, nil).Subscribe(context.Background(), "zones")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitForSubscribers(t, hub, "zones", 1)
	if err := stream.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	for range stream.Events() {
	}
	waitForSubscribers(t, hub, "zones", 0)
}

func TestHubCloseEndsStreams(t *testing.T) {
	hub := NewHub(nil)
	server, _ := newHubServer(t, hub)

	stream, err := NewDialer(server.URL, nil, nil, nil).Subscribe(context.Background(), "agents")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()
	waitForSubscribers(t, hub, "agents", 1)
	hub.Close()

	select {
	case _, ok := <-stream.Events():
		if ok {
			t.Fatalf("expected no events after hub close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected stream to end after hub close")
	}
}

func TestDialerFailsAgainstPlainHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewDialer(server.URL, nil, nil, nil).Subscribe(context.Background(), "reports")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestDialerFeedsSubscriber(t *testing.T) {
	hub := NewHub(nil)
	server, _ := newHubServer(t, hub)

	sub := syncstate.NewSubscriber(NewDialer(server.URL, nil, server.Client(), nil), nil).Open(context.Background(), "notifications")
	defer sub.Close()
	if !sub.Available() {
		t.Fatalf("expected live subscription, got %v", sub.Err())
	}
	received := make(chan string, 1)
	sub.On(syncstate.EventDeleted, func(event syncstate.Event) {
		received <- string(event.Data)
	})
	waitForSubscribers(t, hub, "notifications", 1)
	hub.Publish("notifications", syncstate.EventDeleted, map[string]string{"id": "n1"})

	select {
	case data := <-received:
		if data != `{"id":"n1"}` {
			t.Fatalf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for deleted event")
	}
}

func TestChannelURLEscapesName(t *testing.T) {
	dialer := NewDialer("http://dispatch.local/", nil, &http.Client{Timeout: time.Second}, nil)
	if got := dialer.ChannelURL("report.a b"); got != "http://dispatch.local/v1/channels/report.a%20b" {
		t.Fatalf("unexpected channel url %q", got)
	}
	if dialer.httpClient.Timeout != 0 {
		t.Fatalf("expected client timeout to be cleared for websocket dialing")
	}
	if dialer.handshakeTimeout != time.Second {
		t.Fatalf("expected client timeout to bound the handshake, got %s", dialer.handshakeTimeout)
	}
}

func TestDialerHandshakeTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	dialer := NewDialer(server.URL, nil, &http.Client{Timeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	stream, err := dialer.Subscribe(context.Background(), "reports")
	if err == nil {
		stream.Close()
		t.Fatalf("expected stalled handshake to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected handshake deadline to apply, took %s", elapsed)
	}
}
