package websocket

import (
	"net/http"

	ws "nhooyr.io/websocket"
)

// EchoHandler accepts WebSocket upgrades on any path and echoes messages back.
// It stands in for a WebSocket backend during local development.
type EchoHandler struct {
	registry *Registry
	options  []Option
	opts     Options
}

// NewEchoHandler creates an EchoHandler whose sessions are tracked in reg.
func NewEchoHandler(reg *Registry, options ...Option) *EchoHandler {
	return &EchoHandler{
		registry: reg,
		options:  options,
		opts:     buildOptions(options),
	}
}

func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, &ws.AcceptOptions{
		// Requests arrive through the dev proxy with the front-end's Origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.opts.Logger.Warn("websocket accept failed", "path", r.URL.Path, "error", err)
		return
	}

	s := NewSession(c, r.URL.Path, h.options...)
	h.registry.Add(s)
	defer h.registry.Remove(s)

	h.opts.Logger.Info("websocket session opened", "path", r.URL.Path, "remote", r.RemoteAddr)
	if err := s.Serve(r.Context()); err != nil {
		h.opts.Logger.Warn("websocket session ended with error", "path", r.URL.Path, "error", err)
	}
	_ = s.Close(ws.StatusNormalClosure, "")
	h.opts.Logger.Info("websocket session closed", "path", r.URL.Path)
}
