// Package health probes the backends the proxy rules point at, so a missing
// API or WebSocket server shows up before the first proxied request fails.
package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rathix/devproxy/internal/rules"
)

// Status is the reachability of one upstream target.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Upstream is the last probe result for a rule target.
type Upstream struct {
	Target          string     `json:"target"`
	Prefixes        []string   `json:"prefixes"`
	Status          Status     `json:"status"`
	HTTPCode        *int       `json:"httpCode"`
	ResponseTimeMs  *int64     `json:"responseTimeMs"`
	LastChecked     *time.Time `json:"lastChecked"`
	LastStateChange *time.Time `json:"lastStateChange"`
	ErrorSnippet    *string    `json:"errorSnippet"`
}

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// TableSource returns the rule table currently in effect. *rules.Holder
// satisfies it.
type TableSource interface {
	Load() *rules.Table
}

// Recorder receives every probe outcome. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveUpstream(target string, up bool)
	ForgetUpstream(target string)
}

// Checker periodically probes every distinct target in the rule table.
type Checker struct {
	source   TableSource
	client   HTTPProber
	interval time.Duration
	recorder Recorder
	logger   *slog.Logger

	mu        sync.RWMutex
	upstreams map[string]Upstream
}

// NewChecker creates a checker. recorder may be nil. If logger is nil, a
// no-op logger is used.
func NewChecker(source TableSource, client HTTPProber, interval time.Duration, recorder Recorder, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{
		source:    source,
		client:    client,
		interval:  interval,
		recorder:  recorder,
		logger:    logger,
		upstreams: make(map[string]Upstream),
	}
}

// Run performs an immediate check, then checks at the configured interval.
// It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// Snapshot returns the latest results ordered by target.
func (c *Checker) Snapshot() []Upstream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Upstream, 0, len(c.upstreams))
	for _, u := range c.upstreams {
		u.Prefixes = append([]string(nil), u.Prefixes...)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// target is one distinct rule target and the prefixes routed to it.
type target struct {
	url      *url.URL
	prefixes []string
}

// targets groups rule prefixes by target URL, in rule order. Keys are the
// redacted URL, so credentials never reach snapshots, logs or metric labels.
func targets(t *rules.Table) map[string]*target {
	byTarget := make(map[string]*target)
	for _, r := range t.Rules() {
		key := r.Target.Redacted()
		tg, ok := byTarget[key]
		if !ok {
			tg = &target{url: r.Target}
			byTarget[key] = tg
		}
		tg.prefixes = append(tg.prefixes, r.Prefix)
	}
	return byTarget
}

func (c *Checker) checkAll(ctx context.Context) {
	byTarget := targets(c.source.Load())
	c.forgetMissing(byTarget)
	if len(byTarget) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(byTarget))
	for key, tg := range byTarget {
		go func(key string, tg *target) {
			defer wg.Done()
			res := c.probe(ctx, tg.url)
			c.apply(key, tg.prefixes, res)
		}(key, tg)
	}
	wg.Wait()

	c.logger.Debug("upstream check cycle complete",
		"targets", len(byTarget),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

// forgetMissing drops results for targets no longer in the table.
func (c *Checker) forgetMissing(current map[string]*target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for target := range c.upstreams {
		if _, ok := current[target]; ok {
			continue
		}
		delete(c.upstreams, target)
		if c.recorder != nil {
			c.recorder.ForgetUpstream(target)
		}
	}
}

const maxSnippetLen = 256

type probeResult struct {
	status         Status
	httpCode       *int
	responseTimeMs int64
	errorSnippet   *string
}

// probe issues a GET against target. WebSocket targets are probed over
// plain HTTP; a backend that answers at all, even 4xx, is reachable.
func (c *Checker) probe(ctx context.Context, target *url.URL) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURLFor(target), nil)
	if err != nil {
		return probeResult{status: StatusDown, errorSnippet: ptrString(err.Error())}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	responseTimeMs := time.Since(start).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		return probeResult{
			status:         StatusDown,
			responseTimeMs: responseTimeMs,
			errorSnippet:   &errMsg,
		}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	status := classifyStatus(code)
	var snippet *string
	if status != StatusUp {
		snippet = readSnippet(resp.Body)
	}
	return probeResult{
		status:         status,
		httpCode:       &code,
		responseTimeMs: responseTimeMs,
		errorSnippet:   snippet,
	}
}

func probeURLFor(target *url.URL) string {
	u := *target
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func (c *Checker) apply(target string, prefixes []string, res probeResult) {
	now := time.Now()

	c.mu.Lock()
	prev, seen := c.upstreams[target]
	u := Upstream{
		Target:          target,
		Prefixes:        prefixes,
		Status:          res.status,
		HTTPCode:        res.httpCode,
		ResponseTimeMs:  &res.responseTimeMs,
		LastChecked:     &now,
		LastStateChange: prev.LastStateChange,
		ErrorSnippet:    res.errorSnippet,
	}
	changed := !seen || prev.Status != res.status
	if changed {
		u.LastStateChange = &now
	}
	c.upstreams[target] = u
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.ObserveUpstream(target, res.status != StatusDown)
	}

	if changed {
		from := StatusUnknown
		if seen {
			from = prev.Status
		}
		level := slog.LevelInfo
		if res.status == StatusDown {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "upstream status changed",
			"target", target,
			"prefixes", prefixes,
			"from", string(from),
			"to", string(res.status),
		)
	}
}

// classifyStatus maps an HTTP status code to a Status. Development backends
// commonly answer probes of their root with 404 or 426, so only 5xx counts
// against them.
func classifyStatus(code int) Status {
	if code >= 500 {
		return StatusDegraded
	}
	return StatusUp
}

// readSnippet reads the first line of the response body, truncated to maxSnippetLen.
func readSnippet(body io.Reader) *string {
	lr := &io.LimitedReader{R: body, N: maxSnippetLen}
	data, err := io.ReadAll(lr)
	if err != nil || len(data) == 0 {
		return nil
	}

	s := string(data)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func ptrString(s string) *string {
	return &s
}
