package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	secretService = "acctintel"
	tokenAccount  = "api.token"
)

// ErrNoSecret is returned when the secrets file has no entry for the key.
var ErrNoSecret = errors.New("secret not found")

// fileSecrets reads and writes a 0600 JSON file of service -> account -> value.
type fileSecrets struct {
	path string // empty means secretsFilePath()
}

func (f fileSecrets) file() string {
	if f.path != "" {
		return f.path
	}
	return secretsFilePath()
}

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appDir, "secrets.json")
}

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.file())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f fileSecrets) write(secrets map[string]map[string]string) error {
	p := f.file()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", ErrNoSecret
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return f.write(secrets)
}

func (f fileSecrets) Delete(service, account string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := secrets[service][account]; !ok {
		return nil
	}
	delete(secrets[service], account)
	return f.write(secrets)
}

// GetAPIToken returns the stored bearer token, ignoring the environment.
func GetAPIToken() (string, error) {
	return fileSecrets{}.Get(secretService, tokenAccount)
}

// SetAPIToken stores the bearer token in the secrets file.
func SetAPIToken(token string) error {
	if token == "" {
		return errors.New("token must not be empty")
	}
	return fileSecrets{}.Set(secretService, tokenAccount, token)
}

// ClearAPIToken removes the stored bearer token.
func ClearAPIToken() error {
	return fileSecrets{}.Delete(secretService, tokenAccount)
}

// SecretsFilePath reports where the bearer token is stored.
func SecretsFilePath() string { return secretsFilePath() }
