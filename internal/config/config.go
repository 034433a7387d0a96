package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
	"github.com/hashicorp/hcl"
	"github.com/samber/lo"

	"feedwindow/internal/rss"
)

const envPrefix = "FEEDWINDOW"

// Config holds runtime configuration. Values come from struct defaults,
// then ./feedwindow.hcl and ./feedwindow.local.hcl, then FEEDWINDOW_*
// environment variables.
type Config struct {
	BindAddr     string        `hcl:"bind_addr" env:"BIND_ADDR" default:":8082"`
	PollInterval time.Duration `hcl:"poll_interval" env:"POLL_INTERVAL" default:"30m"`
	SourcesFile  string        `hcl:"sources_file" env:"SOURCES_FILE" default:"./sources.hcl"`

	FetchTimeout     time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"20s"`
	FetchConcurrency int           `hcl:"fetch_concurrency" env:"FETCH_CONCURRENCY" default:"0"`
	FetchRate        float64       `hcl:"fetch_rate" env:"FETCH_RATE" default:"0"`
	UserAgent        string        `hcl:"user_agent" env:"USER_AGENT" default:"feedwindow/1.0"`

	Retention  time.Duration `hcl:"retention" env:"RETENTION" default:"48h"`
	MaxRetries int           `hcl:"max_retries" env:"MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `hcl:"retry_delay" env:"RETRY_DELAY" default:"200ms"`

	Store      string `hcl:"store" env:"STORE" default:"sqlite"`
	SQLitePath string `hcl:"sqlite_path" env:"SQLITE_PATH" default:"./feedwindow.db"`
	RedisURL   string `hcl:"redis_url" env:"REDIS_URL" default:"redis://localhost:6379/0"`
	DBHost     string `hcl:"db_host" env:"DB_HOST" default:"localhost"`
	DBPort     int    `hcl:"db_port" env:"DB_PORT" default:"3306"`
	DBUser     string `hcl:"db_user" env:"DB_USER" default:"root"`
	DBPass     string `hcl:"db_password" env:"DB_PASSWORD" default:""`
	DBName     string `hcl:"db_name" env:"DB_NAME" default:"feedwindow"`

	CacheMaxAge     time.Duration `hcl:"cache_max_age" env:"CACHE_MAX_AGE" default:"5m"`
	AlertWebhookURL string        `hcl:"alert_webhook_url" env:"ALERT_WEBHOOK_URL" default:""`

	LogLevel  string `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string `hcl:"log_format" env:"LOG_FORMAT" default:"text"`
}

// Load reads the configuration files and environment, filling in defaults.
func Load() (Config, error) {
	return load([]string{"./feedwindow.hcl", "./feedwindow.local.hcl"})
}

func load(files []string) (Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: envPrefix,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.FetchConcurrency < 0 {
		return fmt.Errorf("fetch_concurrency must not be negative, got %d", c.FetchConcurrency)
	}
	switch c.Store {
	case "memory", "sqlite", "mysql", "redis":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	return nil
}

type sourcesFile struct {
	Sources []rss.Source `hcl:"source"`
}

// LoadSources reads the source list, written as
//
//	source "Hacker News" {
//	  url = "https://news.ycombinator.com/rss"
//	}
func LoadSources(path string) ([]rss.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseSources(string(data))
}

// ParseSources decodes and validates an HCL source list.
func ParseSources(data string) ([]rss.Source, error) {
	var file sourcesFile
	if err := hcl.Decode(&file, data); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	for i := range file.Sources {
		src := &file.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.FeedURL = strings.TrimSpace(src.FeedURL)
		if src.Name == "" {
			return nil, fmt.Errorf("source #%d has no name", i+1)
		}
		if err := validateFeedURL(src.FeedURL); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	dups := lo.FindDuplicatesBy(file.Sources, func(s rss.Source) string { return s.Name })
	if len(dups) > 0 {
		return nil, fmt.Errorf("duplicate source name %q", dups[0].Name)
	}
	if file.Sources == nil {
		file.Sources = []rss.Source{}
	}
	return file.Sources, nil
}

func validateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in url")
	}
	return nil
}
