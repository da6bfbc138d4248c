package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// Session is one accepted WebSocket connection on the fixture backend. It
// echoes every message back to the peer and keeps the connection alive with
// periodic pings.
type Session struct {
	conn *ws.Conn
	path string
	opts Options

	mu     sync.Mutex
	closed bool
}

// NewSession wraps an accepted connection. path is recorded for logging.
func NewSession(c *ws.Conn, path string, options ...Option) *Session {
	opts := buildOptions(options)
	c.SetReadLimit(opts.ReadLimit)
	return &Session{conn: c, path: path, opts: opts}
}

// Serve runs the echo loop until the peer disconnects, a pong times out, or
// ctx is cancelled. The echo loop is also the session's read loop, which the
// library needs for pongs to be processed.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.keepalive(ctx)
	}()
	defer func() { <-pingDone }()

	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			cancel()
			if isNormalClose(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.opts.Logger.Debug("websocket message", "path", s.path, "bytes", len(msg))
		if err := s.conn.Write(ctx, typ, msg); err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PongTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.opts.Logger.Warn("websocket pong timeout, dropping connection", "path", s.path, "error", err)
				s.conn.CloseNow()
				return
			}
		}
	}
}

// Close sends a close frame with code and reason. Calling it more than once is a no-op.
func (s *Session) Close(code ws.StatusCode, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close(code, reason)
}

func isNormalClose(err error) bool {
	switch ws.CloseStatus(err) {
	case ws.StatusNormalClosure, ws.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
