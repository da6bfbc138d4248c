package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rathix/devproxy/internal/certs"
	appconfig "github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/metrics"
	"github.com/rathix/devproxy/internal/rules"
	"github.com/rathix/devproxy/internal/server"
	"github.com/rathix/devproxy/internal/sse"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds the command-line settings. Values left empty fall back to
// the YAML config file, then to built-in defaults.
type config struct {
	ShowVersion      bool
	ConfigFile       string
	Profile          string
	ListenAddr       string
	Root             string
	Assets           string
	HTTPS            bool
	CertDir          string
	LogFormat        string
	LogLevel         string
	Watch            bool
	UpstreamInterval time.Duration
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("devproxy version %s\n", Version)
			return
		}
	}

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

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("devproxy", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("DEVPROXY_CONFIG", "devproxy.yaml"), "path to YAML config file (missing file uses built-in rules)")
	fs.StringVar(&cfg.Profile, "profile", getEnv("DEVPROXY_PROFILE", ""), "named proxy profile (default: the config's defaultProfile)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ""), "listen address (overrides server.listen)")
	fs.StringVar(&cfg.Root, "root", getEnv("DEVPROXY_ROOT", ""), "static asset directory (overrides server.root)")
	fs.StringVar(&cfg.Assets, "assets", getEnv("DEVPROXY_ASSETS", ""), "asset dev server URL for unmatched paths (overrides server.assets)")
	fs.BoolVar(&cfg.HTTPS, "https", getEnvBool("DEVPROXY_HTTPS", false), "serve HTTPS with a self-signed localhost certificate")
	fs.StringVar(&cfg.CertDir, "cert-dir", getEnv("DEVPROXY_CERT_DIR", defaultCertDir()), "directory for the generated certificate")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Watch, "watch", getEnvBool("DEVPROXY_WATCH", true), "reload proxy rules when the config file changes")
	fs.DurationVar(&cfg.UpstreamInterval, "upstream-interval", getEnvDuration("DEVPROXY_UPSTREAM_INTERVAL", 10*time.Second), "interval between backend reachability probes (0 disables)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return config{}, err
	}
	if cfg.UpstreamInterval < 0 {
		return config{}, fmt.Errorf("upstream interval must not be negative, got %s", cfg.UpstreamInterval)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}

func defaultCertDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devproxy")
	}
	return filepath.Join(dir, "devproxy")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
	return level, nil
}

func setupLogger(format, level string) *slog.Logger {
	return setupLoggerWithWriter(format, level, os.Stdout)
}

func setupLoggerWithWriter(format, level string, writer io.Writer) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

// applyOverrides layers non-empty command-line settings over the file config.
func applyOverrides(appCfg *appconfig.Config, cfg config) {
	if cfg.ListenAddr != "" {
		appCfg.Server.Listen = cfg.ListenAddr
	}
	if cfg.Root != "" {
		appCfg.Server.Root = cfg.Root
	}
	if cfg.Assets != "" {
		appCfg.Server.Assets = cfg.Assets
	}
	if cfg.HTTPS {
		appCfg.Server.HTTPS = true
	}
}

// buildStatus describes the rules served for profile under appCfg.
func buildStatus(appCfg *appconfig.Config, profile string, errs []error) server.Status {
	entries, _ := appCfg.Entries(profile)
	for i := range entries {
		entries[i].Target = redactTarget(entries[i].Target)
	}
	status := server.Status{
		Profile:  appCfg.ResolvedProfile(profile),
		Plugins:  appCfg.Plugins,
		Rules:    entries,
		LoadedAt: time.Now(),
	}
	for _, e := range errs {
		status.Errors = append(status.Errors, e.Error())
	}
	return status
}

// redactTarget masks the password in a target URL. Unparseable targets are
// returned as is; the config loader has already rejected them.
func redactTarget(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

func logRules(table *rules.Table) {
	for _, r := range table.Rules() {
		slog.Info("Proxy rule",
			"prefix", r.Prefix,
			"target", r.Target.Redacted(),
			"rewrite", r.Rewrite != nil,
			"ws", r.WS,
		)
	}
}

// newFallback returns the handler for requests no rule matches.
func newFallback(appCfg *appconfig.Config, logger *slog.Logger) (http.Handler, error) {
	if appCfg.Server.Assets != "" {
		slog.Info("Unmatched requests go to asset server", "url", appCfg.Server.Assets)
		return server.NewAssetProxy(appCfg.Server.Assets, logger)
	}
	root := appCfg.Server.Root
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		slog.Warn("Static root is not a directory, unmatched requests will 404", "root", root)
	} else {
		slog.Info("Serving static assets", "root", root)
	}
	return server.NewSPAHandler(os.DirFS(root)), nil
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("Starting devproxy", "version", Version)

	appCfg, configErrs := appconfig.Load(cfg.ConfigFile)
	if appCfg == nil {
		return errors.Join(configErrs...)
	}
	for _, e := range configErrs {
		slog.Warn("Config validation warning", "error", e)
	}
	applyOverrides(appCfg, cfg)

	table, err := appCfg.Table(cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to build proxy rules: %w", err)
	}
	slog.Info("Config loaded",
		"file", cfg.ConfigFile,
		"profile", appCfg.ResolvedProfile(cfg.Profile),
		"rules", table.Len(),
		"plugins", appCfg.Plugins,
	)
	logRules(table)

	holder := rules.NewHolder(table)
	status := &server.StatusHolder{}
	status.Set(buildStatus(appCfg, cfg.Profile, configErrs))
	m := metrics.New()

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	broker := sse.NewBroker(func() any { return status.Get() }, logger)
	go broker.Run(bgCtx)

	var upstreams server.UpstreamSource
	if cfg.UpstreamInterval > 0 {
		checker := health.NewChecker(holder, &http.Client{Timeout: 2 * time.Second}, cfg.UpstreamInterval, m, logger)
		go checker.Run(bgCtx)
		upstreams = checker
	}

	if cfg.Watch && cfg.ConfigFile != "" {
		r := &reloader{
			profile: cfg.Profile,
			holder:  holder,
			status:  status,
			metrics: m,
			events:  broker,
		}
		watcher := appconfig.NewWatcher(cfg.ConfigFile, r.reload, logger)
		go func() {
			if err := watcher.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
		}()
	}

	fallback, err := newFallback(appCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create fallback handler: %w", err)
	}

	handler := server.NewHandler(server.Options{
		Rules:     holder,
		Fallback:  fallback,
		Status:    status,
		Metrics:   m,
		Events:    broker,
		Upstreams: upstreams,
		Logger:    logger,
	})

	var tlsConfig *tls.Config
	if appCfg.Server.HTTPS {
		var generated bool
		tlsConfig, generated, err = certs.LoadOrGenerate(cfg.CertDir)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		certPath, _ := certs.Paths(cfg.CertDir)
		if generated {
			slog.Info("Generated self-signed certificate", "cert", certPath)
		} else {
			slog.Info("Using existing certificate", "cert", certPath)
		}
	}

	srv := &http.Server{
		Addr:              appCfg.Server.Listen,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverError := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			slog.Info("Listening (HTTPS)", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			slog.Info("Listening (HTTP)", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverError <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		bgCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// reloader applies config file changes to the running server.
type reloader struct {
	profile string
	holder  *rules.Holder
	status  *server.StatusHolder
	metrics *metrics.Metrics
	events  *sse.Broker
}

// reload rebuilds the rule table after a config file change. The previous
// table stays active when the new file cannot be parsed or yields no valid
// table.
func (r *reloader) reload(newCfg *appconfig.Config, errs []error) {
	for _, e := range errs {
		if newCfg == nil {
			slog.Error("Config reload parse failed, keeping previous rules", "error", e)
		} else {
			slog.Warn("Config reload validation warning", "error", e)
		}
	}
	if newCfg == nil {
		r.reject(errs)
		return
	}
	table, err := newCfg.Table(r.profile)
	if err != nil {
		slog.Error("Config reload rejected, keeping previous rules", "error", err)
		r.reject(append(errs, err))
		return
	}

	r.holder.Store(table)
	st := buildStatus(newCfg, r.profile, errs)
	r.status.Set(st)
	r.metrics.ObserveReload(true)
	r.events.Publish(sse.Event{Type: sse.EventReload, Payload: sse.ReloadPayload{
		Applied: true,
		Profile: st.Profile,
		Rules:   table.Len(),
		Errors:  st.Errors,
		At:      st.LoadedAt,
	}})
	r.events.Publish(sse.Event{Type: sse.EventRoutes, Payload: st})

	slog.Info("Config reloaded", "profile", st.Profile, "rules", table.Len())
	logRules(table)
}

func (r *reloader) reject(errs []error) {
	r.metrics.ObserveReload(false)
	payload := sse.ReloadPayload{
		Applied: false,
		Profile: r.status.Get().Profile,
		Rules:   r.holder.Load().Len(),
		At:      time.Now(),
	}
	for _, e := range errs {
		payload.Errors = append(payload.Errors, e.Error())
	}
	r.events.Publish(sse.Event{Type: sse.EventReload, Payload: payload})
}
