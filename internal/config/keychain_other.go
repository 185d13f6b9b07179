//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// errNoSecret reports that the secrets file holds no value for a
// service/account pair.
var errNoSecret = errors.New("secret not found")

func apiKeyHint() string {
	return " or in " + defaultSecretsFile().path
}

// secretsFile stands in for the macOS keychain on other platforms. It keeps
// secrets as a YAML map of service to account to value, readable only by
// the owner.
type secretsFile struct {
	path string
}

// defaultSecretsFile resolves $XDG_DATA_HOME/azpipe/secrets.yaml, falling
// back to ~/.local/share.
func defaultSecretsFile() secretsFile {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return secretsFile{path: filepath.Join(dir, "azpipe", "secrets.yaml")}
}

func (f secretsFile) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	secrets := map[string]map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return secrets, nil
}

// save replaces the file through a rename so a reader never sees a partial
// write.
func (f secretsFile) save(secrets map[string]map[string]string) error {
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*.yaml")
	if err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f secretsFile) get(service, account string) (string, error) {
	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, errNoSecret)
	}
	return v, nil
}

func (f secretsFile) set(service, account, value string) error {
	secrets, err := f.load()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value
	return f.save(secrets)
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := defaultSecretsFile().get(service, account)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	return defaultSecretsFile().set(service, account, value)
}
