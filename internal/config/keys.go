package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "EPUBFEED_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "EPUBFEED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "EPUBFEED_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "EPUBFEED_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.epub_dir", typ: kString, env: "EPUBFEED_EPUB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.EpubDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.EpubDir },
	},
	{
		key: "storage.feed_path", typ: kString, env: "EPUBFEED_FEED_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.FeedPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FeedPath },
	},
	{
		key: "feed.title", typ: kString, env: "EPUBFEED_FEED_TITLE",
		apply:   func(cfg *Config, v any) { cfg.Feed.Title = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.Title },
	},
	{
		key: "feed.max_entries", typ: kInt, env: "EPUBFEED_FEED_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Feed.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.MaxEntries },
	},
	{
		key: "feed.excerpt_length", typ: kInt, env: "EPUBFEED_FEED_EXCERPT_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Feed.ExcerptLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.ExcerptLength },
	},
	{
		key: "feed.include_failed", typ: kBool, env: "EPUBFEED_FEED_INCLUDE_FAILED",
		apply:   func(cfg *Config, v any) { cfg.Feed.IncludeFailed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Feed.IncludeFailed },
	},
	{
		key: "extract.timeout", typ: kDuration, env: "EPUBFEED_EXTRACT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Extract.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Extract.Timeout },
	},
	{
		key: "extract.max_bytes", typ: kInt, env: "EPUBFEED_EXTRACT_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Extract.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Extract.MaxBytes },
	},
	{
		key: "extract.user_agent", typ: kString, env: "EPUBFEED_EXTRACT_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Extract.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Extract.UserAgent },
	},
	{
		key: "packaging.command", typ: kString, env: "EPUBFEED_PACKAGING_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Packaging.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Packaging.Command },
	},
	{
		key: "packaging.args", typ: kString, env: "EPUBFEED_PACKAGING_ARGS",
		apply:   func(cfg *Config, v any) { cfg.Packaging.Args = v.(string) },
		extract: func(cfg Config) any { return cfg.Packaging.Args },
	},
	{
		key: "packaging.input_format", typ: kString, env: "EPUBFEED_PACKAGING_INPUT_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Packaging.InputFormat = v.(string) },
		extract: func(cfg Config) any { return cfg.Packaging.InputFormat },
	},
	{
		key: "packaging.timeout", typ: kDuration, env: "EPUBFEED_PACKAGING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Packaging.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Packaging.Timeout },
	},
	{
		key: "packaging.concurrency", typ: kInt, env: "EPUBFEED_PACKAGING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Packaging.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Packaging.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "EPUBFEED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "auth.api_token", typ: kString, env: "EPUBFEED_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIToken },
	},
}

// parseValue converts a raw string for the given key type.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := parseValue(s.typ, v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
