package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// keySpec binds a dotted config key to a field of Config. field returns a
// *string, *int or *time.Duration.
type keySpec struct {
	key    string
	secret bool
	field  func(*Config) any
}

var specs = []keySpec{
	{key: "api.base_url", field: func(c *Config) any { return &c.API.BaseURL }},
	{key: "api.request_timeout", field: func(c *Config) any { return &c.API.RequestTimeout }},
	{key: "api.token", secret: true, field: func(c *Config) any { return &c.API.Token }},
	{key: "poll.interval", field: func(c *Config) any { return &c.Poll.Interval }},
	{key: "poll.max_attempts", field: func(c *Config) any { return &c.Poll.MaxAttempts }},
	{key: "poll.max_failures", field: func(c *Config) any { return &c.Poll.MaxFailures }},
	{key: "runner.max_concurrent", field: func(c *Config) any { return &c.Runner.MaxConcurrent }},
	{key: "storage.backend", field: func(c *Config) any { return &c.Storage.Backend }},
	{key: "storage.data_dir", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "storage.redis_url", field: func(c *Config) any { return &c.Storage.RedisURL }},
	{key: "server.port", field: func(c *Config) any { return &c.Server.Port }},
	{key: "server.allowed_origins", field: func(c *Config) any { return &c.Server.AllowedOrigins }},
	{key: "log.level", field: func(c *Config) any { return &c.Log.Level }},
	{key: "log.format", field: func(c *Config) any { return &c.Log.Format }},
}

// env is the variable overriding the key: api.base_url -> ACCTINTEL_API_BASE_URL.
func (s keySpec) env() string {
	return "ACCTINTEL_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

// set parses raw into the field. cfg is left unchanged on error.
func (s keySpec) set(cfg *Config, raw string) error {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		*p = i
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		*p = d
	default:
		panic("config: unsupported field type for " + s.key)
	}
	return nil
}

func (s keySpec) get(cfg Config) string {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	case *time.Duration:
		return p.String()
	}
	return ""
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend copies stored values into cfg. Secrets are never read from
// the config file. Unparseable values keep the default with a warning.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		if err := s.set(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config file: %v. Using default value.\n", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env())
		if raw == "" {
			continue
		}
		if err := s.set(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] %s: %v. Using default value.\n", s.env(), err)
		}
	}
}
