package websocket

import (
	"log/slog"
	"time"
)

const (
	// DefaultPingInterval is how often a session pings its peer.
	DefaultPingInterval = 15 * time.Second
	// DefaultPongTimeout bounds the wait for each pong.
	DefaultPongTimeout = 10 * time.Second
	// DefaultReadLimit caps a single inbound message.
	DefaultReadLimit int64 = 1 << 20
)

// Options configures a Session.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// Option is a functional option for Session and EchoHandler.
type Option func(*Options)

// WithPingInterval sets the interval between keepalive pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// WithPongTimeout sets the maximum wait for a pong.
func WithPongTimeout(d time.Duration) Option {
	return func(o *Options) { o.PongTimeout = d }
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(o *Options) { o.ReadLimit = n }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts []Option) Options {
	o := Options{
		PingInterval: DefaultPingInterval,
		PongTimeout:  DefaultPongTimeout,
		ReadLimit:    DefaultReadLimit,
		Logger:       slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
