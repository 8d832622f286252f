package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Feed      FeedConfig
	Extract   ExtractConfig
	Packaging PackagingConfig
	Log       LogConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Host string
	Port int
	// PublicURL is the base URL used in feed links and submit responses.
	PublicURL string
}

type StorageConfig struct {
	DataDir string
	// EpubDir and FeedPath default to locations under DataDir.
	EpubDir  string
	FeedPath string
}

type FeedConfig struct {
	Title         string
	MaxEntries    int
	ExcerptLength int
	IncludeFailed bool
}

type ExtractConfig struct {
	Timeout   time.Duration
	MaxBytes  int
	UserAgent string
}

type PackagingConfig struct {
	Command string
	// Args is split on whitespace; {title} and {output} are substituted per argument.
	Args        string
	InputFormat string
	Timeout     time.Duration
	Concurrency int
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	APIToken string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8000,
			PublicURL: "http://localhost:8000",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Feed: FeedConfig{
			Title:         "epubfeed",
			MaxEntries:    500,
			ExcerptLength: 200,
			IncludeFailed: true,
		},
		Extract: ExtractConfig{
			Timeout:   30 * time.Second,
			MaxBytes:  20 << 20,
			UserAgent: "epubfeed/1.0",
		},
		Packaging: PackagingConfig{
			Command:     "pandoc",
			Args:        "-f html -t epub3 --metadata title={title} -o {output}",
			InputFormat: "html",
			Timeout:     2 * time.Minute,
			Concurrency: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML config file, environment variables
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/epubfeed/config.toml. Nested
// tables map to dotted keys ([server] port = 8080 is server.port).
// Environment variables (EPUBFEED_*) override file values. The API token is
// read from EPUBFEED_API_TOKEN, else from the secrets file, and is generated
// and persisted there on first use.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), fileSecrets{})
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	return loadWith(newFileBackend(path), fileSecrets{})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Auth.APIToken == "" {
		token, err := ensureAPIToken(secrets)
		if err != nil {
			return Config{}, fmt.Errorf("missing required config: API token. "+
				"Set it via environment variable EPUBFEED_API_TOKEN (%w)", err)
		}
		cfg.Auth.APIToken = token
	}

	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Storage.EpubDir == "" {
		c.Storage.EpubDir = filepath.Join(c.Storage.DataDir, "epubs")
	}
	if c.Storage.FeedPath == "" {
		c.Storage.FeedPath = filepath.Join(c.Storage.DataDir, "rss.xml")
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
}

// Validate checks values that cannot be corrected by defaults.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url %q must be an http(s) URL", c.Server.PublicURL)
	}
	if c.Feed.MaxEntries <= 0 {
		return fmt.Errorf("feed.max_entries must be positive")
	}
	if c.Feed.ExcerptLength <= 0 {
		return fmt.Errorf("feed.excerpt_length must be positive")
	}
	switch c.Packaging.InputFormat {
	case "html", "markdown":
	default:
		return fmt.Errorf("packaging.input_format %q must be html or markdown", c.Packaging.InputFormat)
	}
	if !strings.Contains(c.Packaging.Args, "{output}") {
		return fmt.Errorf("packaging.args must contain {output}")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	return nil
}

// PackagingArgs returns the converter arguments as a list.
func (c Config) PackagingArgs() []string {
	return strings.Fields(c.Packaging.Args)
}
