package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory Backend.
type mapBackend map[string]string

func (m mapBackend) Get(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapBackend) Set(key, value string) error { m[key] = value; return nil }
func (m mapBackend) Delete(key string) error     { delete(m, key); return nil }

type stubSecrets struct {
	value string
	err   error
}

func (s stubSecrets) Get(service, account string) (string, error) {
	return s.value, s.err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env(), "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, stubSecrets{err: ErrNoSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.API.BaseURL != "http://localhost:8000/api/v1" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.RequestTimeout != 20*time.Second {
		t.Errorf("API.RequestTimeout = %s, want 20s", cfg.API.RequestTimeout)
	}
	if cfg.Poll.Interval != 1500*time.Millisecond {
		t.Errorf("Poll.Interval = %s, want 1.5s", cfg.Poll.Interval)
	}
	if cfg.Poll.MaxAttempts != 90 {
		t.Errorf("Poll.MaxAttempts = %d, want 90", cfg.Poll.MaxAttempts)
	}
	if cfg.Poll.MaxFailures != 3 {
		t.Errorf("Poll.MaxFailures = %d, want 3", cfg.Poll.MaxFailures)
	}
	if cfg.Runner.MaxConcurrent != 4 {
		t.Errorf("Runner.MaxConcurrent = %d, want 4", cfg.Runner.MaxConcurrent)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
}

func TestBackendValuesApplied(t *testing.T) {
	clearEnv(t)

	b := mapBackend{
		"api.base_url":      "https://intel.example.com/api/v1",
		"poll.interval":     "250ms",
		"poll.max_attempts": "10",
		"storage.backend":   "redis",
	}
	cfg, err := loadWith(b, stubSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.BaseURL != "https://intel.example.com/api/v1" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Poll.Interval != 250*time.Millisecond {
		t.Errorf("Poll.Interval = %s, want 250ms", cfg.Poll.Interval)
	}
	if cfg.Poll.MaxAttempts != 10 {
		t.Errorf("Poll.MaxAttempts = %d, want 10", cfg.Poll.MaxAttempts)
	}
	if cfg.Storage.Backend != BackendRedis {
		t.Errorf("Storage.Backend = %q, want redis", cfg.Storage.Backend)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACCTINTEL_SERVER_PORT", "9999")
	t.Setenv("ACCTINTEL_POLL_INTERVAL", "2s")
	t.Setenv("ACCTINTEL_LOG_LEVEL", "debug")

	cfg, err := loadWith(mapBackend{"server.port": "5000", "log.level": "warn"}, stubSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Poll.Interval != 2*time.Second {
		t.Errorf("Poll.Interval = %s, want 2s", cfg.Poll.Interval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACCTINTEL_POLL_MAX_ATTEMPTS", "lots")

	cfg, err := loadWith(mapBackend{}, stubSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.MaxAttempts != 90 {
		t.Errorf("Poll.MaxAttempts = %d, want default 90", cfg.Poll.MaxAttempts)
	}
}

func TestTokenPrecedence(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, stubSecrets{value: "from-file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "from-file" {
		t.Errorf("API.Token = %q, want from-file", cfg.API.Token)
	}

	t.Setenv("ACCTINTEL_API_TOKEN", "from-env")
	cfg, err = loadWith(mapBackend{}, stubSecrets{value: "from-file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "from-env" {
		t.Errorf("API.Token = %q, want from-env", cfg.API.Token)
	}
}

func TestTokenNeverReadFromBackend(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{"api.token": "leaked"}, stubSecrets{err: ErrNoSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
}

func TestInvalidStorageBackend(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(mapBackend{"storage.backend": "postgres"}, stubSecrets{})
	if err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
	if !strings.Contains(err.Error(), "storage.backend") {
		t.Errorf("error = %v, want mention of storage.backend", err)
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if b["server.port"] != "4200" {
		t.Errorf("server.port = %v, want 4200", b["server.port"])
	}
	if err := setKeyWith(b, "poll.interval", "3s"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if b["poll.interval"] != "3s" {
		t.Errorf("poll.interval = %v, want 3s", b["poll.interval"])
	}

	if err := setKeyWith(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "poll.interval", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, "api.token", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKeyWith(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "secret"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "api.token" {
			t.Fatal("ShowAll leaked api.token")
		}
	}
	for _, k := range ValidKeys() {
		if k == "api.token" {
			t.Fatal("ValidKeys lists api.token")
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acctintel", "config.yaml")

	b := newFileBackend(path)
	if err := b.Set("log.format", "json"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Set("server.port", "4300"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Delete("log.format"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reloaded := newFileBackend(path)
	if _, ok, _ := reloaded.Get("log.format"); ok {
		t.Error("log.format survived Delete")
	}
	if v, ok, err := reloaded.Get("server.port"); err != nil || !ok || v != "4300" {
		t.Errorf("server.port = %q (ok=%v, err=%v), want 4300", v, ok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileBackendReadsHandWrittenYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server.port: 4400\npoll.interval: 750ms\nlog.level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(path), stubSecrets{err: ErrNoSecret})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4400 {
		t.Errorf("Server.Port = %d, want 4400", cfg.Server.Port)
	}
	if cfg.Poll.Interval != 750*time.Millisecond {
		t.Errorf("Poll.Interval = %s, want 750ms", cfg.Poll.Interval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvNames(t *testing.T) {
	for _, s := range specs {
		if !strings.HasPrefix(s.env(), "ACCTINTEL_") || strings.Contains(s.env(), ".") {
			t.Errorf("%s maps to %s", s.key, s.env())
		}
	}
	s, _ := lookupSpec("server.allowed_origins")
	if got := s.env(); got != "ACCTINTEL_SERVER_ALLOWED_ORIGINS" {
		t.Errorf("env = %q", got)
	}
}

func TestFileSecrets(t *testing.T) {
	s := fileSecrets{path: filepath.Join(t.TempDir(), "secrets.json")}

	if _, err := s.Get(secretService, tokenAccount); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Get on missing file: err = %v, want ErrNoSecret", err)
	}
	if err := s.Set(secretService, tokenAccount, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(secretService, tokenAccount)
	if err != nil || got != "tok" {
		t.Fatalf("Get = %q, %v; want tok", got, err)
	}
	if err := s.Delete(secretService, tokenAccount); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(secretService, tokenAccount); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Get after Delete: err = %v, want ErrNoSecret", err)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACCTINTEL_LOG_LEVEL", "warn")
	// godotenv only fills variables that are absent, not merely empty.
	os.Unsetenv("ACCTINTEL_LOG_FORMAT")

	path := filepath.Join(t.TempDir(), ".env")
	content := "ACCTINTEL_LOG_LEVEL=debug\nACCTINTEL_LOG_FORMAT=json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	loadDotEnv(path)

	if got := os.Getenv("ACCTINTEL_LOG_LEVEL"); got != "warn" {
		t.Errorf("ACCTINTEL_LOG_LEVEL = %q, want warn", got)
	}
	if got := os.Getenv("ACCTINTEL_LOG_FORMAT"); got != "json" {
		t.Errorf("ACCTINTEL_LOG_FORMAT = %q, want json", got)
	}
}
