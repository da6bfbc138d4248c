// Command fixture-backend stands in for the API and WebSocket services the
// dev proxy forwards to: JSON fixture files over HTTP and an echo endpoint
// over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rathix/devproxy/internal/fixtures"
	"github.com/rathix/devproxy/internal/websocket"
)

type config struct {
	HTTPAddr     string
	WSAddr       string
	Root         string
	LogFormat    string
	PingInterval time.Duration
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("fixture-backend", flag.ContinueOnError)

	cfg := config{}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", getEnv("FIXTURE_HTTP_ADDR", ":8000"), "listen address for JSON fixtures")
	fs.StringVar(&cfg.WSAddr, "ws-addr", getEnv("FIXTURE_WS_ADDR", ":8001"), "listen address for the WebSocket echo endpoint")
	fs.StringVar(&cfg.Root, "root", getEnv("FIXTURE_ROOT", "fixtures"), "fixture directory")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", websocket.DefaultPingInterval, "WebSocket keepalive ping interval")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if cfg.PingInterval <= 0 {
		return config{}, fmt.Errorf("ping interval must be positive, got %s", cfg.PingInterval)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func setupLogger(format string) *slog.Logger {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	return slog.New(handler)
}

// newServers builds the fixture and echo servers without starting them.
func newServers(cfg config, logger *slog.Logger, reg *websocket.Registry) (httpSrv, wsSrv *http.Server) {
	httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           fixtures.NewHandler(os.DirFS(cfg.Root), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wsSrv = &http.Server{
		Addr: cfg.WSAddr,
		Handler: websocket.NewEchoHandler(reg,
			websocket.WithLogger(logger),
			websocket.WithPingInterval(cfg.PingInterval),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpSrv, wsSrv
}

func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
		slog.Warn("Fixture root is not a directory, every request will 404", "root", cfg.Root)
	}

	reg := websocket.NewRegistry(logger)
	httpSrv, wsSrv := newServers(cfg, logger, reg)

	serverError := make(chan error, 2)
	for _, srv := range []*http.Server{httpSrv, wsSrv} {
		go func(srv *http.Server) {
			slog.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverError <- err
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
	case err := <-serverError:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg.CloseAll(shutdownCtx)
	for _, srv := range []*http.Server{httpSrv, wsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("server forced to shutdown: %w", err)
		}
	}
	if runErr == nil {
		slog.Info("Servers stopped")
	}
	return runErr
}
