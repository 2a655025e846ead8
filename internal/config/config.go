package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API     APIConfig
	Poll    PollConfig
	Runner  RunnerConfig
	Storage StorageConfig
	Server  ServerConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	// Token is the bearer credential. It is never read from the config file.
	Token string
}

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	MaxFailures int
}

type RunnerConfig struct {
	MaxConcurrent int
}

type StorageConfig struct {
	Backend  string // "sqlite" or "redis"
	DataDir  string
	RedisURL string
}

type ServerConfig struct {
	Port           int
	AllowedOrigins string // comma-separated
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8000/api/v1",
			RequestTimeout: 20 * time.Second,
		},
		Poll: PollConfig{
			Interval:    1500 * time.Millisecond,
			MaxAttempts: 90,
			MaxFailures: 3,
		},
		Runner: RunnerConfig{
			MaxConcurrent: 4,
		},
		Storage: StorageConfig{
			Backend:  BackendSQLite,
			DataDir:  defaultDataDir(),
			RedisURL: "redis://localhost:6379/0",
		},
		Server: ServerConfig{
			Port:           4100,
			AllowedOrigins: "http://localhost:5173",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from, in increasing precedence: built-in defaults,
// the YAML file at $XDG_CONFIG_HOME/acctintel/config.yaml, a .env file in the
// working directory, and ACCTINTEL_* environment variables. The bearer token
// comes from ACCTINTEL_API_TOKEN or the secrets file.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(newFileBackend(ConfigFilePath()), fileSecrets{})
}

// loadDotEnv exports the variables of path into the process environment
// without overriding variables that are already set.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", path, err)
	}
}

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		if tok, err := secrets.Get(secretService, tokenAccount); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("missing required config: api.base_url")
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid storage.backend %q: want %q or %q", c.Storage.Backend, BackendSQLite, BackendRedis)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll.max_attempts must be positive, got %d", c.Poll.MaxAttempts)
	}
	return nil
}
