package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewAssetProxy creates a reverse proxy that forwards unmatched requests to
// a front-end asset dev server (for example a bundler's own server with HMR).
// Upgrade requests pass through, so the bundler's live-reload socket works.
func NewAssetProxy(target string, logger *slog.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("asset server URL %q must be absolute", target)
	}
	if logger == nil {
		logger = slog.Default()
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("asset server request failed", "path", r.URL.Path, "target", target, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
