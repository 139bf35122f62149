// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/auction-crawler/internal/auction"
)

// Crawl modes.
const (
	ModeBrowser = "browser"
	ModeStatic  = "static"
)

// Store, dedup, and snapshot backends.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendLocal   = "local"
	BackendGCS     = "gcs"
	BackendPubSub  = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Navigator NavigatorConfig `mapstructure:"navigator"`
	DB        DBConfig        `mapstructure:"db"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Serve     ServeConfig     `mapstructure:"serve"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig governs one crawl run.
type CrawlerConfig struct {
	TargetURL          string        `mapstructure:"target_url"`
	Mode               string        `mapstructure:"mode"`
	Source             string        `mapstructure:"source"`
	MaxPages           int           `mapstructure:"max_pages"`
	PageAttempts       int           `mapstructure:"page_attempts"`
	EmptyRetryDelay    time.Duration `mapstructure:"empty_retry_delay"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	DuplicateStopRatio float64       `mapstructure:"duplicate_stop_ratio"`
	PageParam          string        `mapstructure:"page_param"`
	MinPageInterval    time.Duration `mapstructure:"min_page_interval"`
}

// NavigatorConfig configures page loading and transitions.
type NavigatorConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	LoadAttempts   int           `mapstructure:"load_attempts"`
	LoadBackoff    time.Duration `mapstructure:"load_backoff"`
	AdvanceRetries int           `mapstructure:"advance_retries"`
	AdvanceBackoff time.Duration `mapstructure:"advance_backoff"`
	Headless       bool          `mapstructure:"headless"`
	UserAgent      string        `mapstructure:"user_agent"`
	PageSize       int           `mapstructure:"page_size"`
	MarkerSelector string        `mapstructure:"marker_selector"`
	DismissConsent bool          `mapstructure:"dismiss_consent"`
	ChromePath     string        `mapstructure:"chrome_path"`
}

// DBConfig controls access to the vehicle store.
type DBConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DedupConfig selects where the run-scoped seen set lives.
type DedupConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SnapshotConfig controls debug page snapshots.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublishConfig holds run summary publication settings.
type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig configures metric export for single runs.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// ServeConfig controls the long-running scheduler and HTTP server.
type ServeConfig struct {
	Port     int           `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	APIKey   string        `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LoadOption adjusts how Load validates the result.
type LoadOption func(*loadOptions)

type loadOptions struct {
	storeOnly bool
}

// StoreOnly validates only what reading the vehicle store needs, for
// commands that never crawl.
func StoreOnly() LoadOption {
	return func(o *loadOptions) { o.storeOnly = true }
}

// Load builds a Config from an optional .env file, the environment, and an
// optional config file at path.
func Load(path string, opts ...LoadOption) (Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config: %w", auction.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", auction.ErrConfiguration, err)
	}

	validate := cfg.Validate
	if o.storeOnly {
		validate = cfg.ValidateStore
	}
	if err := validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv exports variables from file without overriding ones already set.
// A missing file is not an error.
func loadDotEnv(file string) error {
	if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: load %s: %w", auction.ErrConfiguration, file, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.target_url", "")
	v.SetDefault("crawler.mode", ModeBrowser)
	v.SetDefault("crawler.source", auction.DefaultSource)
	v.SetDefault("crawler.max_pages", 1)
	v.SetDefault("crawler.page_attempts", 3)
	v.SetDefault("crawler.empty_retry_delay", 5*time.Second)
	v.SetDefault("crawler.settle_delay", 10*time.Second)
	v.SetDefault("crawler.duplicate_stop_ratio", 0.0)
	v.SetDefault("crawler.page_param", "page")
	v.SetDefault("crawler.min_page_interval", 3*time.Second)
	v.SetDefault("navigator.timeout", 60*time.Second)
	v.SetDefault("navigator.load_attempts", 3)
	v.SetDefault("navigator.load_backoff", 5*time.Second)
	v.SetDefault("navigator.advance_retries", 1)
	v.SetDefault("navigator.advance_backoff", 2*time.Second)
	v.SetDefault("navigator.headless", true)
	v.SetDefault("navigator.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("navigator.page_size", 100)
	v.SetDefault("navigator.marker_selector", "")
	v.SetDefault("navigator.dismiss_consent", true)
	v.SetDefault("navigator.chrome_path", "")
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "vehicles")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("dedup.backend", BackendMemory)
	v.SetDefault("dedup.redis_addr", "")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.ttl", 6*time.Hour)
	v.SetDefault("snapshots.enabled", false)
	v.SetDefault("snapshots.backend", BackendLocal)
	v.SetDefault("snapshots.dir", "snapshots")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "")
	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.backend", BackendPubSub)
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "auction-crawl-runs")
	v.SetDefault("metrics.push_url", "")
	v.SetDefault("metrics.job", "auction_crawler")
	v.SetDefault("serve.port", 8080)
	v.SetDefault("serve.interval", time.Hour)
	v.SetDefault("serve.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Every failure
// wraps auction.ErrConfiguration.
func (c Config) Validate() error {
	return c.validate(true)
}

// ValidateStore checks only the vehicle store settings.
func (c Config) ValidateStore() error {
	return c.validate(false)
}

func (c Config) validate(crawl bool) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.DB.Driver {
	case DriverPostgres:
		check(c.DB.DSN != "", "db.dsn is required for the postgres driver")
	case DriverMemory:
	default:
		check(false, "db.driver must be %q or %q", DriverPostgres, DriverMemory)
	}

	if crawl {
		c.validateCrawl(check)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", auction.ErrConfiguration, errors.Join(errs...))
}

func (c Config) validateCrawl(check func(ok bool, format string, args ...any)) {
	u, err := url.Parse(c.Crawler.TargetURL)
	check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
		"crawler.target_url must be an absolute http(s) url")
	check(c.Crawler.Mode == ModeBrowser || c.Crawler.Mode == ModeStatic,
		"crawler.mode must be %q or %q", ModeBrowser, ModeStatic)
	check(c.Crawler.MaxPages >= 1, "crawler.max_pages must be >= 1")
	check(c.Crawler.PageAttempts >= 1, "crawler.page_attempts must be >= 1")
	check(c.Crawler.EmptyRetryDelay >= 0, "crawler.empty_retry_delay must be >= 0")
	check(c.Crawler.SettleDelay >= 0, "crawler.settle_delay must be >= 0")
	check(c.Crawler.DuplicateStopRatio >= 0 && c.Crawler.DuplicateStopRatio <= 1,
		"crawler.duplicate_stop_ratio must be within [0, 1]")
	check(c.Crawler.Mode != ModeStatic || c.Crawler.PageParam != "",
		"crawler.page_param is required in static mode")

	check(c.Navigator.Timeout > 0, "navigator.timeout must be > 0")
	check(c.Navigator.LoadAttempts >= 1, "navigator.load_attempts must be >= 1")
	check(c.Navigator.AdvanceRetries >= 0, "navigator.advance_retries must be >= 0")
	check(c.Navigator.PageSize >= 0, "navigator.page_size must be >= 0")

	switch c.Dedup.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Dedup.RedisAddr != "", "dedup.redis_addr is required for the redis backend")
	default:
		check(false, "dedup.backend must be %q or %q", BackendMemory, BackendRedis)
	}

	if c.Snapshots.Enabled {
		switch c.Snapshots.Backend {
		case BackendLocal:
			check(c.Snapshots.Dir != "", "snapshots.dir is required for the local backend")
		case BackendGCS:
			check(c.Snapshots.Bucket != "", "snapshots.bucket is required for the gcs backend")
		case BackendMemory:
		default:
			check(false, "snapshots.backend must be %q, %q or %q", BackendLocal, BackendGCS, BackendMemory)
		}
	}

	if c.Publish.Enabled {
		switch c.Publish.Backend {
		case BackendPubSub:
			check(c.Publish.ProjectID != "", "publish.project_id is required for the pubsub backend")
		case BackendMemory:
		default:
			check(false, "publish.backend must be %q or %q", BackendPubSub, BackendMemory)
		}
		check(c.Publish.Topic != "", "publish.topic is required when publishing")
	}

	check(c.Serve.Port > 0, "serve.port must be > 0")
	check(c.Serve.Interval > 0, "serve.interval must be > 0")
}
