package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketflow/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Config struct {
	Marketflow MarketflowConfig `yaml:"marketflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Source     SourceConfig     `yaml:"source"`
	Publish    PublishConfig    `yaml:"publish"`
	Storage    StorageConfig    `yaml:"storage"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// FetchConfig governs every outbound GET the readers make.
type FetchConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	UserAgent string          `yaml:"user_agent"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SourceConfig struct {
	Redfin     RedfinSourceConfig     `yaml:"redfin"`
	Streeteasy StreeteasySourceConfig `yaml:"streeteasy"`
}

type RedfinSourceConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StreeteasySourceConfig struct {
	Enabled bool         `yaml:"enabled"`
	Region  string       `yaml:"region"`
	Columns CSVColumns   `yaml:"columns"`
	Feeds   []FeedConfig `yaml:"feeds"`
}

// CSVColumns names the ordinal positions of the three columns of interest in
// every StreetEasy feed.
type CSVColumns struct {
	Date         int `yaml:"date"`
	Neighborhood int `yaml:"neighborhood"`
	Value        int `yaml:"value"`
}

// FeedConfig binds one published CSV time series to the schema field its
// values populate.
type FeedConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Field string `yaml:"field"`
}

type PublishConfig struct {
	Grist GristConfig `yaml:"grist"`
}

// GristConfig identifies the remote document and table records are appended
// to. The API key and Cloudflare Access credentials are intentionally absent
// from the YAML schema and come only from the environment.
type GristConfig struct {
	Enabled bool          `yaml:"enabled"`
	Host    string        `yaml:"host"`
	DocID   string        `yaml:"doc_id"`
	TableID string        `yaml:"table_id"`
	Timeout time.Duration `yaml:"timeout"`

	APIKey               string `yaml:"-"`
	CFAccessClientID     string `yaml:"-"`
	CFAccessClientSecret string `yaml:"-"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Parquet         ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Fetch: FetchConfig{
			Timeout:   15 * time.Second,
			UserAgent: defaultUserAgent,
			RateLimit: RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1},
		},
		Source: SourceConfig{
			Streeteasy: StreeteasySourceConfig{
				Region:  "New York City",
				Columns: CSVColumns{Date: 2, Neighborhood: 0, Value: 4},
			},
		},
		Publish: PublishConfig{
			Grist: GristConfig{Timeout: 15 * time.Second},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides layers environment values over the file configuration.
// Secrets (Grist API key, Cloudflare Access pair, AWS keys) are only ever
// sourced here.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("GRIST_HOST"); v != "" {
		config.Publish.Grist.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("GRIST_DOC_ID"); v != "" {
		config.Publish.Grist.DocID = strings.TrimSpace(v)
	}
	if v := os.Getenv("GRIST_MARKET_TABLE_ID"); v != "" {
		config.Publish.Grist.TableID = strings.TrimSpace(v)
	}
	config.Publish.Grist.APIKey = strings.TrimSpace(os.Getenv("GRIST_API_KEY"))
	config.Publish.Grist.CFAccessClientID = strings.TrimSpace(os.Getenv("CF_ACCESS_CLIENT_ID"))
	config.Publish.Grist.CFAccessClientSecret = strings.TrimSpace(os.Getenv("CF_ACCESS_CLIENT_SECRET"))

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}

	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}

	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be greater than 0")
	}
	if cfg.Fetch.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("fetch.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Fetch.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("fetch.rate_limit.burst_size must be greater than 0")
	}

	if cfg.Source.Streeteasy.Enabled {
		if len(cfg.Source.Streeteasy.Feeds) == 0 {
			return fmt.Errorf("source.streeteasy.feeds must not be empty when streeteasy is enabled")
		}
		for i, feed := range cfg.Source.Streeteasy.Feeds {
			if feed.Name == "" {
				return fmt.Errorf("source.streeteasy.feeds[%d].name is required", i)
			}
			if feed.URL == "" {
				return fmt.Errorf("source.streeteasy.feeds[%d].url is required", i)
			}
			if !isSchemaField(feed.Field) {
				return fmt.Errorf("source.streeteasy.feeds[%d].field '%s' is not a known schema field", i, feed.Field)
			}
		}
		cols := cfg.Source.Streeteasy.Columns
		if cols.Date < 0 || cols.Neighborhood < 0 || cols.Value < 0 {
			return fmt.Errorf("source.streeteasy.columns indexes must not be negative")
		}
	}

	if cfg.Publish.Grist.Enabled {
		if cfg.Publish.Grist.Host == "" {
			return fmt.Errorf("publish.grist.host is required when grist is enabled")
		}
		if cfg.Publish.Grist.DocID == "" {
			return fmt.Errorf("publish.grist.doc_id is required when grist is enabled")
		}
		if cfg.Publish.Grist.TableID == "" {
			return fmt.Errorf("publish.grist.table_id is required when grist is enabled")
		}
		if cfg.Publish.Grist.APIKey == "" {
			return fmt.Errorf("GRIST_API_KEY must be set when grist is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func isSchemaField(name string) bool {
	for _, key := range models.MasterSchema {
		if key == name {
			return true
		}
	}
	return false
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
