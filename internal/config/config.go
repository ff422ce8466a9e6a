// Package config loads the contentsync configuration from an optional YAML
// file with CONTENTSYNC_* environment overrides. The loaded struct is passed
// into each component explicitly; nothing reads config globals at runtime.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CONTENTSYNC_"

type ConsumerConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type BackfillConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Source   string `yaml:"source"`
	PageSize int    `yaml:"page_size"`
}

type Config struct {
	ListenAddr     string            `yaml:"listen_addr"`
	StoreDSN       string            `yaml:"store_dsn"`
	ReplicaDSN     string            `yaml:"replica_dsn"`
	QueueDSN       string            `yaml:"queue_dsn"`
	QueueCapacity  int               `yaml:"queue_capacity"`
	CacheTTL       time.Duration     `yaml:"cache_ttl"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	ReplayWindow   time.Duration     `yaml:"replay_window"`
	PreviewToken   string            `yaml:"preview_token"`
	AdminToken     string            `yaml:"admin_token"`
	WebhookSecrets map[string]string `yaml:"webhook_secrets"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
	Consumer       ConsumerConfig    `yaml:"consumer"`
	Backfill       BackfillConfig    `yaml:"backfill"`
}

func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		QueueCapacity:  1024,
		CacheTTL:       45 * time.Second,
		MaxBodyBytes:   1 << 20,
		ReplayWindow:   5 * time.Minute,
		WebhookSecrets: map[string]string{},
		Consumer: ConsumerConfig{
			Workers:     4,
			MaxAttempts: 5,
			RetryDelay:  2 * time.Second,
		},
		Backfill: BackfillConfig{
			Source:   "sanity",
			PageSize: 100,
		},
	}
}

// Load reads the YAML file at path when one exists, then applies environment
// overrides. A missing file is not an error; a missing path argument skips
// the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if cfg.WebhookSecrets == nil {
		cfg.WebhookSecrets = map[string]string{}
	}
	applyEnv(&cfg, os.Environ())
	return cfg, nil
}

func applyEnv(cfg *Config, environ []string) {
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, envPrefix)
		switch name {
		case "LISTEN_ADDR":
			cfg.ListenAddr = value
		case "STORE_DSN":
			cfg.StoreDSN = value
		case "REPLICA_DSN":
			cfg.ReplicaDSN = value
		case "QUEUE_DSN":
			cfg.QueueDSN = value
		case "QUEUE_CAPACITY":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.QueueCapacity = n
			}
		case "CACHE_TTL":
			if d, err := time.ParseDuration(value); err == nil && d > 0 {
				cfg.CacheTTL = d
			}
		case "MAX_BODY_BYTES":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
				cfg.MaxBodyBytes = n
			}
		case "REPLAY_WINDOW":
			if d, err := time.ParseDuration(value); err == nil && d > 0 {
				cfg.ReplayWindow = d
			}
		case "PREVIEW_TOKEN":
			cfg.PreviewToken = value
		case "ADMIN_TOKEN":
			cfg.AdminToken = value
		case "RATE_LIMIT_RPS":
			if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
				cfg.RateLimit.RequestsPerSecond = f
			}
		case "RATE_LIMIT_BURST":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.RateLimit.Burst = n
			}
		case "CONSUMER_WORKERS":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Consumer.Workers = n
			}
		case "CONSUMER_MAX_ATTEMPTS":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Consumer.MaxAttempts = n
			}
		case "CONSUMER_RETRY_DELAY":
			if d, err := time.ParseDuration(value); err == nil && d > 0 {
				cfg.Consumer.RetryDelay = d
			}
		case "BACKFILL_ENDPOINT":
			cfg.Backfill.Endpoint = value
		case "BACKFILL_TOKEN":
			cfg.Backfill.Token = value
		case "BACKFILL_SOURCE":
			cfg.Backfill.Source = value
		case "BACKFILL_PAGE_SIZE":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.Backfill.PageSize = n
			}
		default:
			// Per-source secrets: CONTENTSYNC_WEBHOOK_SECRET_SANITY=....
			if source, ok := strings.CutPrefix(name, "WEBHOOK_SECRET_"); ok && source != "" && value != "" {
				cfg.WebhookSecrets[strings.ToLower(source)] = value
			}
		}
	}
}
