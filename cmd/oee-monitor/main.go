package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"oee-monitor/internal/device"
	"oee-monitor/internal/history"
	"oee-monitor/internal/production"
	"oee-monitor/internal/setup"
	"oee-monitor/internal/source"
	"oee-monitor/internal/store"
	"oee-monitor/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Source struct {
		BaseURL      string `yaml:"base_url"`
		Token        string `yaml:"token"`
		TokenFile    string `yaml:"token_file"`
		Timeout      string `yaml:"timeout"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"source"`
	Shift struct {
		DetectInterval string `yaml:"detect_interval"`
	} `yaml:"shift"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	History struct {
		Enabled   bool   `yaml:"enabled"`
		URL       string `yaml:"url"`
		Token     string `yaml:"token"`
		Org       string `yaml:"org"`
		Bucket    string `yaml:"bucket"`
		QueueSize int    `yaml:"queue_size"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"history"`
	Rules struct {
		Dir           string `yaml:"dir"`
		NotifyURL     string `yaml:"notify_url"`
		NotifyTimeout string `yaml:"notify_timeout"`
	} `yaml:"rules"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	durations durations
}

// durations holds the parsed duration strings; filled by validate.
type durations struct {
	sourceTimeout  time.Duration
	pollInterval   time.Duration
	detectInterval time.Duration
	historyTimeout time.Duration
	notifyTimeout  time.Duration
}

func (c *Config) validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.Token != "" && c.Source.TokenFile != "" {
		return fmt.Errorf("source.token and source.token_file are mutually exclusive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.History.Enabled && (c.History.URL == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.url and history.bucket are required when history is enabled")
	}
	if c.History.QueueSize < 0 {
		return fmt.Errorf("history.queue_size must not be negative, got %d", c.History.QueueSize)
	}

	fields := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"source.timeout", c.Source.Timeout, &c.durations.sourceTimeout},
		{"source.poll_interval", c.Source.PollInterval, &c.durations.pollInterval},
		{"shift.detect_interval", c.Shift.DetectInterval, &c.durations.detectInterval},
		{"history.timeout", c.History.Timeout, &c.durations.historyTimeout},
		{"rules.notify_timeout", c.Rules.NotifyTimeout, &c.durations.notifyTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.val)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) tokenSource() source.TokenSource {
	if c.Source.TokenFile != "" {
		return source.FileToken{Path: c.Source.TokenFile}
	}
	return source.StaticToken(c.Source.Token)
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("oee-monitor starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	devCfg, err := device.Open(db, logger)
	if err != nil {
		return fmt.Errorf("open device config: %w", err)
	}

	src, err := source.New(source.Config{
		BaseURL:  cfg.Source.BaseURL,
		Tokens:   cfg.tokenSource(),
		DeviceID: devCfg.DeviceID(),
		Timeout:  cfg.durations.sourceTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create source client: %w", err)
	}

	// An unconfigured device starts on the line setup screen.
	view := production.ViewMonitor
	if devCfg.IsGated() {
		view = production.ViewSetup
	}
	state := production.New(production.Options{
		Source:         src,
		Store:          db,
		Config:         devCfg,
		PollInterval:   cfg.durations.pollInterval,
		DetectInterval: cfg.durations.detectInterval,
		View:           view,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = state.Initialize(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize production state: %w", err)
	}
	defer state.Teardown()

	// Start rule engine (no-op when built with no_rules tag).
	ruleEngine, ruleWebOpts := initRules(state, cfg, logger)

	rec := initHistory(state, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, ruleWebOpts...)

	webServer := web.NewServer(state, setup.New(src, logger), logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(state, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	rec.Stop()
	ruleEngine.Stop()
	return nil
}

type historyStopper struct {
	rec    *history.Recorder
	writer *history.Writer
}

func (h *historyStopper) Stop() {
	if h.rec != nil {
		h.rec.Stop()
	}
	if h.writer != nil {
		h.writer.Close()
	}
}

func initHistory(state *production.State, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.History.Enabled {
		return &historyStopper{}
	}
	w := history.NewWriter(cfg.History.URL, cfg.History.Token, cfg.History.Org, cfg.History.Bucket)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.durations.historyTimeout)
	defer cancel()
	if err := w.Health(ctx); err != nil {
		// Points are still queued; InfluxDB may come up later.
		logger.Warn("influxdb not reachable", "url", cfg.History.URL, "err", err)
	}

	rec := history.NewRecorder(w, state, cfg.History.QueueSize, cfg.durations.historyTimeout, logger)
	rec.Start()
	return &historyStopper{rec: rec, writer: w}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Source.Timeout == "" {
		cfg.Source.Timeout = "10s"
	}
	if cfg.Source.PollInterval == "" {
		cfg.Source.PollInterval = "5s"
	}
	if cfg.Shift.DetectInterval == "" {
		cfg.Shift.DetectInterval = "1m"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "oee-monitor.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "oee"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.History.Org == "" {
		cfg.History.Org = "oee"
	}
	if cfg.History.Timeout == "" {
		cfg.History.Timeout = "5s"
	}
	if cfg.Rules.Dir == "" {
		cfg.Rules.Dir = "rules"
	}
	if cfg.Rules.NotifyTimeout == "" {
		cfg.Rules.NotifyTimeout = "10s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
