package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `app:
  name: "TestBot"
  version: "1.0"
telegram:
  token: "123:abc"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestBot" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Scheduler.Interval != 10*time.Minute {
		t.Errorf("unexpected interval: %s", cfg.Scheduler.Interval)
	}
	if cfg.Telegram.WebhookSecret != "123:abc" {
		t.Errorf("webhook secret should default to the token, got %q", cfg.Telegram.WebhookSecret)
	}
	if cfg.Processor.Fodder.MinSamples != 5 || len(cfg.Processor.Fodder.Bands) != 2 {
		t.Errorf("unexpected fodder defaults: %+v", cfg.Processor.Fodder)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.File.SubscribersPath != "subscribers.json" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
}

func TestLoadConfigMissingTokenIsFatal(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	path := writeTempConfig(t, "app:\n  name: x\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "telegram.token is required") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("ANALYZE_EVERY_MIN", "3")
	t.Setenv("RSS_SOURCES", "https://a.example/rss, https://b.example/rss")
	t.Setenv("BASE_URL", "https://bot.example/")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token not overridden: %s", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Interval != 3*time.Minute {
		t.Errorf("interval not overridden: %s", cfg.Scheduler.Interval)
	}
	if len(cfg.Source.Feeds) != 2 || cfg.Source.Feeds[1].URL != "https://b.example/rss" {
		t.Errorf("unexpected feeds: %+v", cfg.Source.Feeds)
	}
	if cfg.Telegram.BaseURL != "https://bot.example" {
		t.Errorf("base url not trimmed: %s", cfg.Telegram.BaseURL)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("unexpected address: %s", cfg.Server.Address)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"redis without url", func(c *Config) { c.Storage.Backend = "redis" }, "storage.redis.url"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.s3.bucket"},
		{"bad bucket", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3 = S3Config{Bucket: "Bad_Bucket", Region: "eu-west-1"}
		}, "is invalid"},
		{"pattern without group", func(c *Config) {
			c.Source.PricePages = []PricePageConfig{{Targets: []PriceTarget{{Key: "84", URL: "http://x"}}, Pattern: `{key}\s+\d+`}}
		}, "capture group"},
		{"bad hype level", func(c *Config) { c.Classifier.HypeMinLevel = "extreme" }, "hype_min_level"},
		{"bad window", func(c *Config) { c.Processor.PriceMove.Window = "2h" }, "price_move.window"},
		{"zero fetch concurrency", func(c *Config) { c.Processor.FetchConcurrency = 0 }, "fetch_concurrency"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Telegram.Token = "t"
			tc.mutate(&cfg)
			err := validateConfig(&cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte(minimalConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(base); got != prod {
		t.Errorf("expected %s, got %s", prod, got)
	}
	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(base); got != base {
		t.Errorf("expected fallback to %s, got %s", base, got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Errorf("staging should be production-like")
	}
}
