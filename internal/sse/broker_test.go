package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type sseMessage struct {
	eventType string
	data      string
}

// readEvent reads the next event from an SSE stream, skipping keepalives.
func readEvent(t *testing.T, scanner *bufio.Scanner) sseMessage {
	t.Helper()
	var msg sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			msg.eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			msg.data = strings.TrimPrefix(line, "data: ")
		case line == "" && msg.eventType != "":
			return msg
		}
	}
	t.Fatalf("stream ended before a complete event: %v", scanner.Err())
	return msg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routesSnapshot struct {
	Profile string `json:"profile"`
}

func startBroker(t *testing.T, b *Broker) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	ts := httptest.NewServer(b)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, cancel
}

func connect(t *testing.T, url string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewScanner(resp.Body)
}

func waitForClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, b.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerInitialRoutesEvent(t *testing.T) {
	b := NewBroker(func() any { return routesSnapshot{Profile: "fixtures"} }, discardLogger())
	ts, _ := startBroker(t, b)

	resp, scanner := connect(t, ts.URL)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected Content-Type text/event-stream, got %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("expected Cache-Control no-cache, got %q", cc)
	}

	msg := readEvent(t, scanner)
	if msg.eventType != EventRoutes {
		t.Fatalf("expected %q event, got %q", EventRoutes, msg.eventType)
	}
	var got routesSnapshot
	if err := json.Unmarshal([]byte(msg.data), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Profile != "fixtures" {
		t.Errorf("profile = %q", got.Profile)
	}
}

func TestBrokerBroadcastsPublishedEvents(t *testing.T) {
	b := NewBroker(func() any { return routesSnapshot{} }, discardLogger())
	ts, _ := startBroker(t, b)

	_, first := connect(t, ts.URL)
	_, second := connect(t, ts.URL)
	readEvent(t, first)
	readEvent(t, second)
	waitForClients(t, b, 2)

	b.Publish(Event{Type: EventReload, Payload: ReloadPayload{Applied: true, Profile: "server", Rules: 2}})

	for _, s := range []*bufio.Scanner{first, second} {
		msg := readEvent(t, s)
		if msg.eventType != EventReload {
			t.Fatalf("expected reload event, got %q", msg.eventType)
		}
		var p ReloadPayload
		if err := json.Unmarshal([]byte(msg.data), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !p.Applied || p.Profile != "server" || p.Rules != 2 {
			t.Errorf("unexpected payload %+v", p)
		}
	}
}

func TestBrokerKeepalive(t *testing.T) {
	b := newBrokerWithKeepalive(func() any { return routesSnapshot{} }, discardLogger(), 20*time.Millisecond)
	ts, _ := startBroker(t, b)

	_, scanner := connect(t, ts.URL)
	readEvent(t, scanner)

	for scanner.Scan() {
		if scanner.Text() == ":keepalive" {
			return
		}
	}
	t.Fatal("no keepalive received")
}

func TestBrokerShutdownClosesStreams(t *testing.T) {
	b := NewBroker(func() any { return routesSnapshot{} }, discardLogger())
	ts, cancel := startBroker(t, b)

	resp, scanner := connect(t, ts.URL)
	readEvent(t, scanner)
	waitForClients(t, b, 1)

	cancel()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed after broker shutdown")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker(func() any { return nil }, discardLogger())
	for i := 0; i < eventQueueSize*2; i++ {
		b.Publish(Event{Type: EventReload, Payload: ReloadPayload{}})
	}

	var nilBroker *Broker
	nilBroker.Publish(Event{Type: EventReload})
}

func TestFormatSSEEvent(t *testing.T) {
	data, err := formatSSEEvent(EventReload, ReloadPayload{Applied: false, Errors: []string{"bad"}})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	s := string(data)
	if !strings.HasPrefix(s, "event: reload\ndata: {") || !strings.HasSuffix(s, "}\n\n") {
		t.Errorf("unexpected framing %q", s)
	}
	if !strings.Contains(s, `"errors":["bad"]`) {
		t.Errorf("payload missing errors: %q", s)
	}

	if _, err := formatSSEEvent(EventReload, make(chan int)); err == nil {
		t.Error("expected marshal error for unsupported payload")
	}
}
