package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/rules"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

// echoBackend replies with the path, query and host it received.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Write([]byte(r.URL.Path + "?" + r.URL.RawQuery))
	}))
}

func mustTable(t *testing.T, rs ...rules.Rule) *rules.Table {
	t.Helper()
	table, err := rules.NewTable(rs...)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

var fallbackHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	w.Write([]byte("fallback:" + r.URL.Path))
})

func newTestProxy(t *testing.T, m *metrics.Metrics, rs ...rules.Rule) *RuleProxy {
	t.Helper()
	table, err := rules.NewTable(rs...)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return NewRuleProxy(rules.NewHolder(table), fallbackHandler, m, discardLogger())
}

func TestRuleProxyAppliesJSONFixtureRewrite(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	proxy := newTestProxy(t, nil, rules.Rule{Prefix: "/api", Target: parseURL(t, backend.URL), Rewrite: rules.JSONFixture})

	for _, p := range []string{"/api/items", "/api/items/", "/api/items///"} {
		req := httptest.NewRequest(http.MethodGet, p+"?page=2", nil)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, rec.Code)
		}
		if got := rec.Body.String(); got != "/api/items.json?page=2" {
			t.Errorf("%s: backend saw %q, want %q", p, got, "/api/items.json?page=2")
		}
	}
}

func TestRuleProxyUnmatchedGoesToFallback(t *testing.T) {
	m := metrics.New()
	proxy := newTestProxy(t, m, rules.Rule{Prefix: "/api", Target: parseURL(t, "http://127.0.0.1:1")})

	req := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot || rec.Body.String() != "fallback:/assets/app.js" {
		t.Errorf("expected fallback, got %d %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(scrapeMetrics(t, m), "devproxy_unmatched_requests_total 1") {
		t.Error("expected unmatched request to be counted")
	}
}

func TestRuleProxyPreservesHostByDefault(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	proxy := newTestProxy(t, nil, rules.Rule{Prefix: "/api", Target: parseURL(t, backend.URL)})

	req := httptest.NewRequest(http.MethodGet, "http://frontend.local/api/users", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Seen-Host"); got != "frontend.local" {
		t.Errorf("expected original host forwarded, got %q", got)
	}
	if rec.Header().Get("X-Seen-Forwarded-For") == "" {
		t.Error("expected X-Forwarded-For to be set")
	}
	if got := rec.Body.String(); got != "/api/users?" {
		t.Errorf("expected unrewritten path, got %q", got)
	}
}

func TestRuleProxyChangeOrigin(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()
	target := parseURL(t, backend.URL)

	proxy := newTestProxy(t, nil, rules.Rule{Prefix: "/api", Target: target, ChangeOrigin: true})

	req := httptest.NewRequest(http.MethodGet, "http://frontend.local/api/users", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Seen-Host"); got != target.Host {
		t.Errorf("expected host %q, got %q", target.Host, got)
	}
}

func TestRuleProxyUnreachableBackend(t *testing.T) {
	dead := startLocalHTTPServer(t, http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	m := metrics.New()
	proxy := newTestProxy(t, m, rules.Rule{Prefix: "/api", Target: parseURL(t, addr), Rewrite: rules.JSONFixture})

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(scrapeMetrics(t, m), `devproxy_proxied_requests_total{prefix="/api",status="502"} 1`) {
		t.Error("expected 502 to be counted")
	}
}

func TestRuleProxyCountsProxiedResponses(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	m := metrics.New()
	proxy := newTestProxy(t, m, rules.Rule{Prefix: "/api", Target: parseURL(t, backend.URL)})

	for i := 0; i < 3; i++ {
		proxy.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))
	}
	proxy.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/other", nil))

	out := scrapeMetrics(t, m)
	if !strings.Contains(out, `devproxy_proxied_requests_total{prefix="/api",status="200"} 3`) {
		t.Errorf("expected 3 proxied requests in:\n%s", out)
	}
	if !strings.Contains(out, "devproxy_unmatched_requests_total 1") {
		t.Errorf("expected 1 unmatched request in:\n%s", out)
	}
}

func TestRuleProxyPicksUpSwappedTable(t *testing.T) {
	first := echoBackend(t)
	defer first.Close()
	second := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("second"))
	}))
	defer second.Close()

	holder := rules.NewHolder(mustTable(t, rules.Rule{Prefix: "/api", Target: parseURL(t, first.URL)}))
	proxy := NewRuleProxy(holder, fallbackHandler, nil, discardLogger())

	holder.Store(mustTable(t, rules.Rule{Prefix: "/api", Target: parseURL(t, second.URL)}))

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if rec.Body.String() != "second" {
		t.Errorf("expected swapped table to serve, got %q", rec.Body.String())
	}
}

func TestRuleProxyUpgradeOnNonWebSocketRuleFallsBack(t *testing.T) {
	proxy := newTestProxy(t, nil, rules.Rule{Prefix: "/api", Target: parseURL(t, "http://127.0.0.1:1")})

	req := httptest.NewRequest(http.MethodGet, "/api/socket", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected upgrade on non-ws rule to reach fallback, got %d", rec.Code)
	}
}

func TestRuleProxyForwardsWebSocket(t *testing.T) {
	backend := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		typ, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		_ = c.Write(ctx, typ, []byte(r.URL.Path+":"+string(msg)))
		c.Close(ws.StatusNormalClosure, "")
	}))
	defer backend.Close()

	wsTarget := parseURL(t, backend.URL)
	wsTarget.Scheme = "ws"

	m := metrics.New()
	proxy := newTestProxy(t, m, rules.Rule{Prefix: "/ws", Target: wsTarget, WS: true})
	front := startLocalHTTPServer(t, proxy)
	defer front.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(front.URL, "http")+"/ws/chat", nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, ws.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "/ws/chat:hello" {
		t.Errorf("expected path forwarded unmodified, got %q", msg)
	}
	if !strings.Contains(scrapeMetrics(t, m), `devproxy_websocket_upgrades_total{prefix="/ws"} 1`) {
		t.Error("expected upgrade to be counted")
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	cases := []struct {
		connection string
		upgrade    string
		want       bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, upgrade", "websocket", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.connection != "" {
			req.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			req.Header.Set("Upgrade", tc.upgrade)
		}
		if got := isUpgradeRequest(req); got != tc.want {
			t.Errorf("Connection=%q Upgrade=%q: got %v, want %v", tc.connection, tc.upgrade, got, tc.want)
		}
	}
}

func TestDialScheme(t *testing.T) {
	cases := map[string]string{"ws": "http", "wss": "https", "http": "http", "https": "https"}
	for in, want := range cases {
		if got := dialScheme(in); got != want {
			t.Errorf("dialScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
