package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reader     ReaderConfig     `yaml:"reader"`
	Source     SourceConfig     `yaml:"source"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Probe      ProbeConfig      `yaml:"probe"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type TelegramConfig struct {
	Token           string        `yaml:"token"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	BaseURL         string        `yaml:"base_url"`
	APIURL          string        `yaml:"api_url"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	DisablePreview  bool          `yaml:"disable_preview"`
	RegisterWebhook bool          `yaml:"register_webhook"`
}

type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	CycleTimeout         time.Duration `yaml:"cycle_timeout"`
	BroadcastConcurrency int           `yaml:"broadcast_concurrency"`
}

type ReaderConfig struct {
	Timeout      time.Duration   `yaml:"timeout"`
	UserAgent    string          `yaml:"user_agent"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig paces requests per host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SourceConfig struct {
	PricePages    []PricePageConfig    `yaml:"price_pages"`
	HeadlinePages []HeadlinePageConfig `yaml:"headline_pages"`
	Feeds         []FeedConfig         `yaml:"feeds"`
	Mock          MockConfig           `yaml:"mock"`
}

// PricePageConfig describes one HTML price adapter. Pattern must contain one
// capture group for the price and may reference the key as {key}.
type PricePageConfig struct {
	Name     string        `yaml:"name"`
	Targets  []PriceTarget `yaml:"targets"`
	Pattern  string        `yaml:"pattern"`
	Match    string        `yaml:"match"`
	MinPrice float64       `yaml:"min_price"`
	MaxPrice float64       `yaml:"max_price"`
}

type PriceTarget struct {
	Key string `yaml:"key"`
	URL string `yaml:"url"`
}

type HeadlinePageConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Class string `yaml:"class"`
	Kind  string `yaml:"kind"`
	Limit int    `yaml:"limit"`
}

type FeedConfig struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Kind         string `yaml:"kind"`
	Limit        int    `yaml:"limit"`
	RequireMatch bool   `yaml:"require_match"`
}

type MockConfig struct {
	Enabled bool       `yaml:"enabled"`
	Seed    int64      `yaml:"seed"`
	Items   []MockItem `yaml:"items"`
}

type MockItem struct {
	Key string  `yaml:"key"`
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type ClassifierConfig struct {
	Keywords     []string `yaml:"keywords"`
	HypeMinLevel string   `yaml:"hype_min_level"`
}

type ProcessorConfig struct {
	SnapshotCapacity int             `yaml:"snapshot_capacity"`
	SparkWidth       int             `yaml:"spark_width"`
	FetchConcurrency int             `yaml:"fetch_concurrency"`
	Fodder           FodderConfig    `yaml:"fodder"`
	PriceMove        PriceMoveConfig `yaml:"price_move"`
	Trade            TradeConfig     `yaml:"trade"`
}

type FodderConfig struct {
	MinSamples    int           `yaml:"min_samples"`
	Window        time.Duration `yaml:"window"`
	MinPrice      float64       `yaml:"min_price"`
	MaxPrice      float64       `yaml:"max_price"`
	BuyMultiplier float64       `yaml:"buy_multiplier"`
	Bands         []FodderBand  `yaml:"bands"`
}

// FodderBand applies to ratings in [MinRating, MaxRating].
type FodderBand struct {
	MinRating      int     `yaml:"min_rating"`
	MaxRating      int     `yaml:"max_rating"`
	Floor          float64 `yaml:"floor"`
	SellMultiplier float64 `yaml:"sell_multiplier"`
}

type PriceMoveConfig struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	Window       string  `yaml:"window"`
}

type TradeConfig struct {
	MeanWindow    time.Duration `yaml:"mean_window"`
	MinSamples    int           `yaml:"min_samples"`
	BuyBelow      float64       `yaml:"buy_below"`
	SellAbove     float64       `yaml:"sell_above"`
	BuyTarget     float64       `yaml:"buy_target"`
	BuyStop       float64       `yaml:"buy_stop"`
	SellTarget    float64       `yaml:"sell_target"`
	SellStop      float64       `yaml:"sell_stop"`
	BuyBaseScore  int           `yaml:"buy_base_score"`
	BuyMaxScore   int           `yaml:"buy_max_score"`
	SellBaseScore int           `yaml:"sell_base_score"`
	SellMaxScore  int           `yaml:"sell_max_score"`
}

type StorageConfig struct {
	Backend       string        `yaml:"backend"`
	SeenRetention time.Duration `yaml:"seen_retention"`
	File          FileConfig    `yaml:"file"`
	Redis         RedisConfig   `yaml:"redis"`
	S3            S3Config      `yaml:"s3"`
}

type FileConfig struct {
	SubscribersPath string `yaml:"subscribers_path"`
	SeenPath        string `yaml:"seen_path"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Prefix        string        `yaml:"prefix"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogHistory      int           `yaml:"log_history"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ProbeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	LoginURL string `yaml:"login_url"`
	HomeURL  string `yaml:"home_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// envOverrides lists the environment variables that take precedence over the
// YAML file. Secrets are expected to arrive this way.
type envOverrides struct {
	TelegramToken      string   `envconfig:"TELEGRAM_TOKEN"`
	WebhookSecret      string   `envconfig:"WEBHOOK_SECRET"`
	BaseURL            string   `envconfig:"BASE_URL"`
	AnalyzeEveryMin    int      `envconfig:"ANALYZE_EVERY_MIN"`
	RSSSources         []string `envconfig:"RSS_SOURCES"`
	FutbinUser         string   `envconfig:"FUTBIN_USER"`
	FutbinPass         string   `envconfig:"FUTBIN_PASS"`
	RedisURL           string   `envconfig:"REDIS_URL"`
	AWSAccessKeyID     string   `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string   `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string   `envconfig:"AWS_REGION"`
	S3Bucket           string   `envconfig:"S3_BUCKET"`
	Port               string   `envconfig:"PORT"`
}

func defaultConfig() Config {
	return Config{
		App: AppConfig{Name: "futflow", Version: "dev"},
		Telegram: TelegramConfig{
			APIURL:          "https://api.telegram.org",
			SendTimeout:     10 * time.Second,
			DisablePreview:  true,
			RegisterWebhook: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			Interval:             10 * time.Minute,
			CycleTimeout:         5 * time.Minute,
			BroadcastConcurrency: 8,
		},
		Reader: ReaderConfig{
			Timeout:      20 * time.Second,
			UserAgent:    "Mozilla/5.0 (compatible; futflow/1.0)",
			MaxBodyBytes: 4 << 20,
			RateLimit:    RateLimitConfig{RequestsPerSecond: 1.5, BurstSize: 1},
		},
		Classifier: ClassifierConfig{HypeMinLevel: "medium"},
		Processor: ProcessorConfig{
			SnapshotCapacity: 200,
			SparkWidth:       20,
			FetchConcurrency: 4,
			Fodder: FodderConfig{
				MinSamples:    5,
				Window:        24 * time.Hour,
				MinPrice:      300,
				MaxPrice:      6000,
				BuyMultiplier: 0.9,
				Bands: []FodderBand{
					{MinRating: 84, MaxRating: 99, Floor: 3500, SellMultiplier: 1.12},
					{MinRating: 83, MaxRating: 83, Floor: 1500, SellMultiplier: 1.15},
				},
			},
			PriceMove: PriceMoveConfig{ThresholdPct: 8, Window: "1h"},
			Trade: TradeConfig{
				MeanWindow:    24 * time.Hour,
				MinSamples:    3,
				BuyBelow:      0.96,
				SellAbove:     1.07,
				BuyTarget:     1.18,
				BuyStop:       0.90,
				SellTarget:    0.92,
				SellStop:      1.10,
				BuyBaseScore:  70,
				BuyMaxScore:   95,
				SellBaseScore: 65,
				SellMaxScore:  93,
			},
		},
		Storage: StorageConfig{
			Backend:       "file",
			SeenRetention: 14 * 24 * time.Hour,
			File: FileConfig{
				SubscribersPath: "subscribers.json",
				SeenPath:        "seen_links.json",
			},
			Redis: RedisConfig{KeyPrefix: "futflow"},
		},
		Archive: ArchiveConfig{FlushInterval: time.Hour, Prefix: "snapshots"},
		Server:  ServerConfig{Address: ":8080", ShutdownTimeout: 30 * time.Second, LogHistory: 100},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "FutFlow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	if config.Telegram.WebhookSecret == "" {
		config.Telegram.WebhookSecret = config.Telegram.Token
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	if env.TelegramToken != "" {
		cfg.Telegram.Token = strings.TrimSpace(env.TelegramToken)
	}
	if env.WebhookSecret != "" {
		cfg.Telegram.WebhookSecret = strings.TrimSpace(env.WebhookSecret)
	}
	if env.BaseURL != "" {
		cfg.Telegram.BaseURL = strings.TrimRight(strings.TrimSpace(env.BaseURL), "/")
	}
	if env.AnalyzeEveryMin > 0 {
		cfg.Scheduler.Interval = time.Duration(env.AnalyzeEveryMin) * time.Minute
	}
	for _, u := range env.RSSSources {
		if u = strings.TrimSpace(u); u != "" {
			cfg.Source.Feeds = append(cfg.Source.Feeds, FeedConfig{URL: u, Kind: "sbc"})
		}
	}
	if env.FutbinUser != "" {
		cfg.Probe.Username = env.FutbinUser
	}
	if env.FutbinPass != "" {
		cfg.Probe.Password = env.FutbinPass
	}
	if env.RedisURL != "" {
		cfg.Storage.Redis.URL = strings.TrimSpace(env.RedisURL)
	}

	// Override S3 settings from environment variables if available
	if env.AWSAccessKeyID != "" {
		cfg.Storage.S3.AccessKeyID = strings.TrimSpace(env.AWSAccessKeyID)
	}
	if env.AWSSecretAccessKey != "" {
		cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(env.AWSSecretAccessKey)
	}
	if env.AWSRegion != "" {
		cfg.Storage.S3.Region = strings.TrimSpace(env.AWSRegion)
		if cfg.Metrics.CloudWatch.Region == "" {
			cfg.Metrics.CloudWatch.Region = cfg.Storage.S3.Region
		}
	}
	if env.S3Bucket != "" {
		cfg.Storage.S3.Bucket = env.S3Bucket
	}
	if env.Port != "" {
		cfg.Server.Address = ":" + strings.TrimPrefix(strings.TrimSpace(env.Port), ":")
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (set TELEGRAM_TOKEN)")
	}
	if cfg.Telegram.RegisterWebhook && cfg.Telegram.BaseURL != "" && !strings.HasPrefix(cfg.Telegram.BaseURL, "http") {
		return fmt.Errorf("telegram.base_url must be an http(s) URL")
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}
	if cfg.Scheduler.BroadcastConcurrency <= 0 {
		return fmt.Errorf("scheduler.broadcast_concurrency must be greater than 0")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}

	for i, p := range cfg.Source.PricePages {
		if len(p.Targets) == 0 {
			return fmt.Errorf("source.price_pages[%d].targets is required", i)
		}
		re, err := regexp.Compile(strings.ReplaceAll(p.Pattern, "{key}", "x"))
		if err != nil {
			return fmt.Errorf("source.price_pages[%d].pattern is invalid: %w", i, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("source.price_pages[%d].pattern needs a capture group", i)
		}
	}
	for i, f := range cfg.Source.Feeds {
		if f.URL == "" {
			return fmt.Errorf("source.feeds[%d].url is required", i)
		}
	}
	for i, h := range cfg.Source.HeadlinePages {
		if h.URL == "" || h.Class == "" {
			return fmt.Errorf("source.headline_pages[%d] needs url and class", i)
		}
	}

	switch strings.ToLower(cfg.Classifier.HypeMinLevel) {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("classifier.hype_min_level '%s' is invalid", cfg.Classifier.HypeMinLevel)
	}

	if cfg.Processor.FetchConcurrency <= 0 {
		return fmt.Errorf("processor.fetch_concurrency must be greater than 0")
	}
	if cfg.Processor.Fodder.MinSamples <= 0 {
		return fmt.Errorf("processor.fodder.min_samples must be greater than 0")
	}
	for i, b := range cfg.Processor.Fodder.Bands {
		if b.MinRating > b.MaxRating {
			return fmt.Errorf("processor.fodder.bands[%d] min_rating exceeds max_rating", i)
		}
	}
	switch cfg.Processor.PriceMove.Window {
	case "1h", "24h":
	default:
		return fmt.Errorf("processor.price_move.window must be 1h or 24h")
	}

	switch cfg.Storage.Backend {
	case "file":
	case "redis":
		if cfg.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url is required when backend is redis")
		}
	case "s3":
		if err := validateS3(cfg.Storage.S3); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	if cfg.Archive.Enabled {
		if err := validateS3(cfg.Storage.S3); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

func validateS3(s3 S3Config) error {
	if s3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when S3 is used")
	}
	if s3.Region == "" {
		return fmt.Errorf("storage.s3.region is required when S3 is used")
	}
	if !isValidS3Bucket(s3.Bucket) {
		return fmt.Errorf("storage.s3.bucket '%s' is invalid", s3.Bucket)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
