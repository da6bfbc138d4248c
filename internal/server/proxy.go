package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/rules"
)

type resolutionKey struct{}

// RuleProxy forwards requests that match the active rule table to their
// backend and hands everything else to a fallback handler.
type RuleProxy struct {
	rules    *rules.Holder
	fallback http.Handler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	proxy    *httputil.ReverseProxy
}

// NewRuleProxy creates a RuleProxy. The table is read from holder on every
// request so reloads take effect without restarting the server. m may be nil.
func NewRuleProxy(holder *rules.Holder, fallback http.Handler, m *metrics.Metrics, logger *slog.Logger) *RuleProxy {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	p := &RuleProxy{
		rules:    holder,
		fallback: fallback,
		metrics:  m,
		logger:   logger,
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	return p
}

func (p *RuleProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, ok := p.rules.Load().Resolve(r.URL.Path)
	upgrade := isUpgradeRequest(r)

	// Upgrade requests are only forwarded by WebSocket rules; any other
	// upgrade belongs to the default handler.
	if !ok || (upgrade && !res.Upgrade) {
		p.metrics.ObserveUnmatched()
		p.fallback.ServeHTTP(w, r)
		return
	}

	if upgrade {
		p.metrics.ObserveUpgrade(res.Rule.Prefix)
		p.logger.Debug("forwarding websocket upgrade",
			"prefix", res.Rule.Prefix,
			"destination", res.Destination.String(),
		)
	}

	ctx := context.WithValue(r.Context(), resolutionKey{}, res)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (p *RuleProxy) rewrite(pr *httputil.ProxyRequest) {
	res := pr.In.Context().Value(resolutionKey{}).(rules.Resolution)

	dest := *res.Destination
	dest.Scheme = dialScheme(dest.Scheme)
	dest.RawQuery = pr.In.URL.RawQuery
	pr.Out.URL = &dest

	pr.SetXForwarded()
	if res.Rule.ChangeOrigin {
		pr.Out.Host = ""
	}
}

func (p *RuleProxy) modifyResponse(resp *http.Response) error {
	if res, ok := resp.Request.Context().Value(resolutionKey{}).(rules.Resolution); ok {
		p.metrics.ObserveProxied(res.Rule.Prefix, resp.StatusCode)
	}
	return nil
}

// handleError reports an unreachable or failing backend to the client as
// 502 Bad Gateway. There is no retry.
func (p *RuleProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	res, _ := r.Context().Value(resolutionKey{}).(rules.Resolution)
	if errors.Is(err, context.Canceled) {
		p.logger.Debug("client cancelled proxied request", "path", r.URL.Path, "prefix", res.Rule.Prefix)
		return
	}
	dest := ""
	if res.Destination != nil {
		dest = res.Destination.String()
	}
	p.logger.Warn("backend request failed",
		"path", r.URL.Path,
		"prefix", res.Rule.Prefix,
		"destination", dest,
		"error", err,
	)
	p.metrics.ObserveProxied(res.Rule.Prefix, http.StatusBadGateway)
	w.WriteHeader(http.StatusBadGateway)
}

// dialScheme maps WebSocket schemes to the HTTP scheme used to dial the
// backend; the upgrade itself travels in the request headers.
func dialScheme(scheme string) string {
	switch scheme {
	case "ws":
		return "http"
	case "wss":
		return "https"
	default:
		return scheme
	}
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
