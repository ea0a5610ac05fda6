package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
// It is built once at process start and passed into every component.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Detector DetectorConfig `yaml:"detector"`
	Data     DataConfig     `yaml:"data"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// TelegramConfig contains configuration for the MTProto client.
type TelegramConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	SessionFile string `yaml:"session_file"`
	Phone       string `yaml:"phone"`
}

// DatabaseConfig contains connection parameters for PostgreSQL.
type DatabaseConfig struct {
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	SSLMode        string        `yaml:"sslmode"`
	ConnectTimeout int           `yaml:"connect_timeout_seconds"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// ScraperConfig controls which channels are scraped and how fast.
type ScraperConfig struct {
	Channels          []string      `yaml:"channels"`
	Limit             int           `yaml:"limit"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	ChannelTimeout    time.Duration `yaml:"channel_timeout"`
}

// DetectorConfig points at the object-detection inference service.
type DetectorConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	RelevantClasses []string      `yaml:"relevant_classes"`
}

// DataConfig is the root of the on-disk data lake.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// PipelineConfig controls scheduled runs. A zero Interval disables the ticker.
type PipelineConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig holds listen ports for the two HTTP surfaces.
type ServerConfig struct {
	Port         string   `yaml:"port"`
	PipelinePort string   `yaml:"pipeline_port"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// NotifyConfig enables run summaries through the Telegram Bot API.
type NotifyConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Format string `yaml:"format"` // "console" or "json"
	Level  string `yaml:"level"`
}

// DefaultRelevantClasses is the detection allow-list used when none is configured.
var DefaultRelevantClasses = []string{
	"bottle", "toothbrush", "toothpaste", "scissors", "handbag", "laptop", "book", "cup", "remote",
	"perfume", "lotion", "cream", "mirror", "cell phone", "soap", "cosmetics", "syringe", "pill",
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			SSLMode:        "disable",
			ConnectTimeout: 10,
			QueryTimeout:   30 * time.Second,
		},
		Scraper: ScraperConfig{
			Channels:          []string{"lobelia4cosmetics", "tikvahpharma", "chemed123"},
			Limit:             50,
			RequestsPerSecond: 2,
			ChannelTimeout:    5 * time.Minute,
		},
		Detector: DetectorConfig{
			URL:             "http://localhost:8001",
			Timeout:         60 * time.Second,
			RelevantClasses: append([]string(nil), DefaultRelevantClasses...),
		},
		Data:   DataConfig{Dir: "data"},
		Server: ServerConfig{Port: "8000", PipelinePort: "8080", AllowOrigins: []string{"http://localhost:3000"}},
		Log:    LogConfig{Format: "console", Level: "info"},
	}
}

// LoadConfig reads configuration from the YAML file at configPath (when it exists),
// then applies environment overrides. A .env file in the working directory is
// loaded first. LoadConfig does not validate; callers pick the checks they need.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()

	if configPath != "" {
		file, err := os.Open(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		default:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	lookup := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}

	if v := lookup("TG_API_ID", "API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TG_API_ID %q: %w", v, err)
		}
		c.Telegram.APIID = id
	}
	if v := lookup("TG_API_HASH", "API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}
	if v := lookup("SESSION_FILE_PATH"); v != "" {
		c.Telegram.SessionFile = v
	}
	if v := lookup("TG_PHONE"); v != "" {
		c.Telegram.Phone = v
	}

	if v := lookup("DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := lookup("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := lookup("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := lookup("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := lookup("DB_PORT"); v != "" {
		c.Database.Port = v
	}
	if v := lookup("DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}

	if v := lookup("TG_CHANNELS"); v != "" {
		var channels []string
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
		c.Scraper.Channels = channels
	}
	if v := lookup("SCRAPE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SCRAPE_LIMIT %q: %w", v, err)
		}
		c.Scraper.Limit = n
	}

	if v := lookup("DETECTOR_URL"); v != "" {
		c.Detector.URL = v
	}
	if v := lookup("DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := lookup("API_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := lookup("PIPELINE_PORT"); v != "" {
		c.Server.PipelinePort = v
	}
	if v := lookup("PIPELINE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PIPELINE_INTERVAL %q: %w", v, err)
		}
		c.Pipeline.Interval = d
	}

	if v := lookup("NOTIFY_BOT_TOKEN"); v != "" {
		c.Notify.BotToken = v
	}
	if v := lookup("NOTIFY_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid NOTIFY_CHAT_ID %q: %w", v, err)
		}
		c.Notify.ChatID = id
	}
	if v := lookup("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := lookup("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// MissingError lists every required setting that was not provided.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

// ValidateDatabase checks the database connection parameters.
func (c *Config) ValidateDatabase() error {
	var missing []string
	if c.Database.Name == "" {
		missing = append(missing, "DB_NAME")
	}
	if c.Database.User == "" {
		missing = append(missing, "DB_USER")
	}
	if c.Database.Password == "" {
		missing = append(missing, "DB_PASSWORD")
	}
	if c.Database.Host == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.Database.Port == "" {
		missing = append(missing, "DB_PORT")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// Validate checks everything the pipeline needs: Telegram credentials, the
// session file path and database parameters. All missing keys are reported at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.APIID == 0 {
		missing = append(missing, "TG_API_ID")
	}
	if c.Telegram.APIHash == "" {
		missing = append(missing, "TG_API_HASH")
	}
	if c.Telegram.SessionFile == "" {
		missing = append(missing, "SESSION_FILE_PATH")
	}
	var dbErr *MissingError
	if err := c.ValidateDatabase(); errors.As(err, &dbErr) {
		missing = append(missing, dbErr.Keys...)
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	if c.Scraper.Limit <= 0 {
		return fmt.Errorf("scraper.limit must be positive, got %d", c.Scraper.Limit)
	}
	if len(c.Scraper.Channels) == 0 {
		return errors.New("scraper.channels must not be empty")
	}
	return nil
}

// DSN builds a lib/pq connection URL from the database parameters.
func (d DatabaseConfig) DSN() string {
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(d.ConnectTimeout))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
