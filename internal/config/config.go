// Package config loads the fetcher configuration from an optional YAML file
// and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Order      OrderConfig      `yaml:"order"`
	Download   DownloadConfig   `yaml:"download"`
	Fulfill    FulfillConfig    `yaml:"fulfill"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServiceConfig struct {
	Host     string        `yaml:"host"`
	Version  string        `yaml:"version"`
	Username string        `yaml:"username"`
	Password string        `yaml:"-"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TemplatesConfig struct {
	Backend    string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"
	LocalDir   string `yaml:"local_dir"`
	Bucket     string `yaml:"bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
}

type OrderConfig struct {
	Template    string              `yaml:"template"`
	Note        string              `yaml:"note"`
	EnforceNote bool                `yaml:"enforce_note"`
	Tiles       map[string][]string `yaml:"tiles"` // product -> tile IDs
	AutoRepair  bool                `yaml:"auto_repair"`
	ActiveOnly  bool                `yaml:"active_only"`
}

type DownloadConfig struct {
	Dir        string        `yaml:"dir"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Overwrite  bool          `yaml:"overwrite"`
	KeepRaw    bool          `yaml:"keep_raw"`
}

type FulfillConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Resume       []string      `yaml:"resume"` // order IDs to fulfill without submitting
	Concurrency  int           `yaml:"concurrency"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type EventsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Host:    "https://espa.cr.usgs.gov",
			Version: "v0",
			Timeout: 60 * time.Second,
		},
		Templates: TemplatesConfig{
			Backend:  "local",
			LocalDir: "./templates",
		},
		Order: OrderConfig{
			EnforceNote: true,
			AutoRepair:  true,
			ActiveOnly:  true,
		},
		Download: DownloadConfig{
			Dir:        "./data",
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
		Fulfill: FulfillConfig{
			PollInterval: 300 * time.Second,
			Timeout:      86400 * time.Second,
			Concurrency:  4,
		},
		Checkpoint: CheckpointConfig{
			Dir: "./checkpoints",
		},
		Events: EventsConfig{
			BackupDir: "./events",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds the configuration. Values come from the defaults, then the
// YAML file named by ESPA_CONFIG, then the environment (including a .env file
// in the working directory).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := Default()

	if path := os.Getenv("ESPA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	cfg.Service.Host = getenvDefault("ESPA_HOST", cfg.Service.Host)
	cfg.Service.Version = getenvDefault("ESPA_VERSION", cfg.Service.Version)
	cfg.Service.Username = getenvDefault("ESPA_USERNAME", cfg.Service.Username)
	cfg.Service.Password = getenvDefault("ESPA_PASSWORD", cfg.Service.Password)

	cfg.Templates.Backend = getenvDefault("TEMPLATE_BACKEND", cfg.Templates.Backend)
	cfg.Templates.LocalDir = getenvDefault("TEMPLATE_DIR", cfg.Templates.LocalDir)
	cfg.Templates.Bucket = getenvDefault("TEMPLATE_BUCKET", cfg.Templates.Bucket)
	cfg.Templates.S3Endpoint = getenvDefault("TEMPLATE_S3_ENDPOINT", cfg.Templates.S3Endpoint)
	cfg.Templates.S3Region = getenvDefault("TEMPLATE_S3_REGION", cfg.Templates.S3Region)
	cfg.Templates.Prefix = getenvDefault("TEMPLATE_PREFIX", cfg.Templates.Prefix)

	cfg.Order.Template = getenvDefault("ORDER_TEMPLATE", cfg.Order.Template)
	cfg.Order.Note = getenvDefault("ORDER_NOTE", cfg.Order.Note)

	cfg.Download.Dir = getenvDefault("DOWNLOAD_DIR", cfg.Download.Dir)
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)
	cfg.Events.Endpoint = getenvDefault("EVENTS_ENDPOINT", cfg.Events.Endpoint)
	cfg.Events.BackupDir = getenvDefault("EVENTS_BACKUP_DIR", cfg.Events.BackupDir)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("ORDER_TILES"); v != "" {
		tiles, err := ParseTiles(v)
		if err != nil {
			return err
		}
		cfg.Order.Tiles = tiles
	}
	if v := os.Getenv("RESUME_ORDERS"); v != "" {
		cfg.Fulfill.Resume = splitList(v, ",")
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"ORDER_ENFORCE_NOTE", &cfg.Order.EnforceNote},
		{"ORDER_AUTO_REPAIR", &cfg.Order.AutoRepair},
		{"ORDER_ACTIVE_ONLY", &cfg.Order.ActiveOnly},
		{"DOWNLOAD_OVERWRITE", &cfg.Download.Overwrite},
		{"DOWNLOAD_KEEP_RAW", &cfg.Download.KeepRaw},
		{"CHECKPOINT_ENABLED", &cfg.Checkpoint.Enabled},
		{"EVENTS_ENABLED", &cfg.Events.Enabled},
		{"METRICS_ENABLED", &cfg.Metrics.Enabled},
	}
	for _, b := range bools {
		if err := envBool(b.key, b.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DOWNLOAD_MAX_RETRIES", &cfg.Download.MaxRetries},
		{"FULFILL_CONCURRENCY", &cfg.Fulfill.Concurrency},
	}
	for _, i := range ints {
		if err := envInt(i.key, i.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ESPA_TIMEOUT", &cfg.Service.Timeout},
		{"DOWNLOAD_RETRY_DELAY", &cfg.Download.RetryDelay},
		{"POLL_INTERVAL", &cfg.Fulfill.PollInterval},
		{"FULFILL_TIMEOUT", &cfg.Fulfill.Timeout},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	return nil
}

// ParseTiles parses "product:tile,tile;product:tile" into a product to tiles
// map.
func ParseTiles(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, group := range splitList(s, ";") {
		product, list, ok := strings.Cut(group, ":")
		product = strings.TrimSpace(product)
		if !ok || product == "" {
			return nil, fmt.Errorf("invalid tile group %q, expected product:tile,tile", group)
		}
		out[product] = append(out[product], splitList(list, ",")...)
	}
	return out, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// envDuration accepts Go durations ("5m") and bare seconds ("300").
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}
