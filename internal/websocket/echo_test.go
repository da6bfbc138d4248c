package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "nhooyr.io/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEchoServer(t *testing.T, reg *Registry, opts ...Option) string {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	srv := httptest.NewServer(NewEchoHandler(reg, opts...))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEchoHandler_EchoesTextAndBinary(t *testing.T) {
	reg := NewRegistry(quietLogger())
	wsURL := startEchoServer(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := ws.Dial(ctx, wsURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	cases := []struct {
		typ ws.MessageType
		msg string
	}{
		{ws.MessageText, `{"type":"ping"}`},
		{ws.MessageBinary, "\x00\x01\x02"},
	}
	for _, tc := range cases {
		if err := c.Write(ctx, tc.typ, []byte(tc.msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		typ, got, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != tc.typ || string(got) != tc.msg {
			t.Errorf("echo = (%v, %q), want (%v, %q)", typ, got, tc.typ, tc.msg)
		}
	}
}

func TestEchoHandler_TracksSessions(t *testing.T) {
	reg := NewRegistry(quietLogger())
	wsURL := startEchoServer(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := ws.Dial(ctx, wsURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return reg.Len() == 1 })

	c.Close(ws.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return reg.Len() == 0 })
}

func TestRegistry_CloseAllSendsGoingAway(t *testing.T) {
	reg := NewRegistry(quietLogger())
	wsURL := startEchoServer(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 3
	conns := make([]*ws.Conn, 0, n)
	for i := 0; i < n; i++ {
		c, _, err := ws.Dial(ctx, wsURL+"/ws", nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer c.CloseNow()
		conns = append(conns, c)
	}
	waitFor(t, func() bool { return reg.Len() == n })

	statuses := make(chan ws.StatusCode, n)
	for _, c := range conns {
		go func(c *ws.Conn) {
			_, _, err := c.Read(ctx)
			statuses <- ws.CloseStatus(err)
		}(c)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer closeCancel()
	reg.CloseAll(closeCtx)

	for i := 0; i < n; i++ {
		select {
		case code := <-statuses:
			if code != ws.StatusGoingAway {
				t.Errorf("close status = %v, want %v", code, ws.StatusGoingAway)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for close frames")
		}
	}
}

func TestRegistry_CloseAllEmptyIsNoop(t *testing.T) {
	reg := NewRegistry(nil)
	reg.CloseAll(context.Background())
	if reg.Len() != 0 {
		t.Error("expected empty registry")
	}
}

func TestSession_DropsPeerThatStopsPonging(t *testing.T) {
	reg := NewRegistry(quietLogger())
	wsURL := startEchoServer(t, reg,
		WithPingInterval(50*time.Millisecond),
		WithPongTimeout(100*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The client never reads, so it never answers pings.
	c, _, err := ws.Dial(ctx, wsURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	waitFor(t, func() bool { return reg.Len() == 1 })
	waitFor(t, func() bool { return reg.Len() == 0 })
}

func TestBuildOptionsDefaults(t *testing.T) {
	o := buildOptions(nil)
	if o.PingInterval != DefaultPingInterval || o.PongTimeout != DefaultPongTimeout || o.ReadLimit != DefaultReadLimit {
		t.Errorf("unexpected defaults: %+v", o)
	}
	o = buildOptions([]Option{WithReadLimit(10), WithPingInterval(time.Second)})
	if o.ReadLimit != 10 || o.PingInterval != time.Second {
		t.Errorf("options not applied: %+v", o)
	}
}
