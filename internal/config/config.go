// Package config loads and validates sitemirror configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitemirror/internal/urlref"
)

// Render engines.
const (
	EngineChromedp = "chromedp"
	EngineStatic   = "static"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Render    RenderConfig    `mapstructure:"render"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Rewrite   RewriteConfig   `mapstructure:"rewrite"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeoutSeconds bounds non-streaming API handlers.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CaptureConfig governs where captures land and how the service runs them.
type CaptureConfig struct {
	OutputDir      string `mapstructure:"output_dir"`
	Workers        int    `mapstructure:"workers"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// ExportTimeoutSeconds bounds each post-capture exporter.
	ExportTimeoutSeconds int `mapstructure:"export_timeout_seconds"`
}

// RenderConfig configures the page renderer.
type RenderConfig struct {
	Engine             string `mapstructure:"engine"`
	UserAgent          string `mapstructure:"user_agent"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	IdleWindowMs       int    `mapstructure:"idle_window_ms"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
	SettleMs           int    `mapstructure:"settle_ms"`
	ViewportWidth      int    `mapstructure:"viewport_width"`
	ViewportHeight     int    `mapstructure:"viewport_height"`
	ScrollStep         int    `mapstructure:"scroll_step"`
	ScrollIntervalMs   int    `mapstructure:"scroll_interval_ms"`
	ScrollMax          int    `mapstructure:"scroll_max"`
	Screenshot         bool   `mapstructure:"screenshot"`
	ExecPath           string `mapstructure:"exec_path"`
	FallbackToStatic   bool   `mapstructure:"fallback_to_static"`
}

// AssetsConfig configures asset downloading.
type AssetsConfig struct {
	Workers        int     `mapstructure:"workers"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
	// BlockedHosts lists hosts never downloaded; "*.example.com" matches
	// the domain and its subdomains.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// RewriteConfig configures reference rewriting.
type RewriteConfig struct {
	ProxyPatterns  []urlref.ProxyPattern `mapstructure:"proxy_patterns"`
	HydrationPatch bool                  `mapstructure:"hydration_patch"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled          bool        `mapstructure:"enabled"`
	LogEnabled       bool        `mapstructure:"log_enabled"`
	MetricsEnabled   bool        `mapstructure:"metrics_enabled"`
	BufferSize       int         `mapstructure:"buffer_size"`
	Batch            BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs    int         `mapstructure:"sink_timeout_ms"`
	RetentionSeconds int         `mapstructure:"retention_seconds"`
}

// BatchConfig bounds progress batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// StorageConfig sets where capture archives are exported.
type StorageConfig struct {
	ArchiveBucket string `mapstructure:"archive_bucket"`
	ArchivePrefix string `mapstructure:"archive_prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordered   bool   `mapstructure:"ordered"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ManifestTable   string        `mapstructure:"manifest_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("capture.output_dir", "captures")
	v.SetDefault("capture.workers", 2)
	v.SetDefault("capture.queue_depth", 32)
	v.SetDefault("capture.timeout_seconds", 300)
	v.SetDefault("capture.export_timeout_seconds", 60)
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.user_agent", "sitemirror/0.1")
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout_seconds", 120)
	v.SetDefault("render.idle_window_ms", 500)
	v.SetDefault("render.idle_timeout_seconds", 30)
	v.SetDefault("render.settle_ms", 2000)
	v.SetDefault("render.viewport_width", 1920)
	v.SetDefault("render.viewport_height", 1080)
	v.SetDefault("render.scroll_step", 150)
	v.SetDefault("render.scroll_interval_ms", 200)
	v.SetDefault("render.scroll_max", 15000)
	v.SetDefault("render.screenshot", true)
	v.SetDefault("render.fallback_to_static", true)
	v.SetDefault("assets.workers", 8)
	v.SetDefault("assets.timeout_seconds", 10)
	v.SetDefault("assets.max_body_bytes", 100<<20)
	v.SetDefault("assets.per_host_rps", 0)
	v.SetDefault("assets.per_host_burst", 4)
	v.SetDefault("rewrite.proxy_patterns", defaultProxyPatterns())
	v.SetDefault("rewrite.hydration_patch", false)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.retention_seconds", 300)
	v.SetDefault("storage.archive_prefix", "archives")
	v.SetDefault("db.manifest_table", "captures")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "sitemirror")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func defaultProxyPatterns() []map[string]string {
	out := make([]map[string]string, 0, len(urlref.DefaultProxyPatterns))
	for _, p := range urlref.DefaultProxyPatterns {
		out = append(out, map[string]string{"path": p.Path, "param": p.Param})
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Capture.OutputDir) == "" {
		return fmt.Errorf("capture.output_dir is required")
	}
	if c.Capture.Workers <= 0 {
		return fmt.Errorf("capture.workers must be > 0")
	}
	if c.Capture.QueueDepth <= 0 {
		return fmt.Errorf("capture.queue_depth must be > 0")
	}
	switch c.Render.Engine {
	case EngineChromedp:
		if c.Render.MaxParallel <= 0 {
			return fmt.Errorf("render.max_parallel must be > 0 when render.engine is %s", EngineChromedp)
		}
	case EngineStatic:
	default:
		return fmt.Errorf("render.engine must be %q or %q", EngineChromedp, EngineStatic)
	}
	if c.Assets.Workers <= 0 {
		return fmt.Errorf("assets.workers must be > 0")
	}
	if c.Assets.TimeoutSeconds <= 0 {
		return fmt.Errorf("assets.timeout_seconds must be > 0")
	}
	if c.Assets.PerHostRPS < 0 {
		return fmt.Errorf("assets.per_host_rps must be >= 0")
	}
	for i, p := range c.Rewrite.ProxyPatterns {
		if strings.TrimSpace(p.Path) == "" || strings.TrimSpace(p.Param) == "" {
			return fmt.Errorf("rewrite.proxy_patterns[%d] needs path and param", i)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

// OutputRoot returns the absolute capture output directory.
func (c Config) OutputRoot() (string, error) {
	abs, err := filepath.Abs(c.Capture.OutputDir)
	if err != nil {
		return "", fmt.Errorf("resolve capture.output_dir: %w", err)
	}
	return abs, nil
}

// CaptureTimeout converts capture.timeout_seconds; zero disables the limit.
func (c Config) CaptureTimeout() time.Duration {
	return seconds(c.Capture.TimeoutSeconds)
}

// AssetTimeout is the per-fetch asset timeout.
func (c Config) AssetTimeout() time.Duration {
	return seconds(c.Assets.TimeoutSeconds)
}

// ProgressRetention is how long finished runs stay pollable in memory.
func (c Config) ProgressRetention() time.Duration {
	return seconds(c.Progress.RetentionSeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// NavigationTimeout, IdleWindow, IdleTimeout, SettleDelay and ScrollInterval
// convert the render timing knobs.
func (r RenderConfig) NavigationTimeout() time.Duration { return seconds(r.NavTimeoutSeconds) }

// IdleWindow see NavigationTimeout.
func (r RenderConfig) IdleWindow() time.Duration { return millis(r.IdleWindowMs) }

// IdleTimeout see NavigationTimeout.
func (r RenderConfig) IdleTimeout() time.Duration { return seconds(r.IdleTimeoutSeconds) }

// SettleDelay see NavigationTimeout.
func (r RenderConfig) SettleDelay() time.Duration { return millis(r.SettleMs) }

// ScrollInterval see NavigationTimeout.
func (r RenderConfig) ScrollInterval() time.Duration { return millis(r.ScrollIntervalMs) }
