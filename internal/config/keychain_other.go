//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// secretFile stands in for a keychain where none exists: a 0600 JSON file
// of service -> account -> value under the XDG data directory.
type secretFile struct {
	path string
}

func defaultSecretFile() secretFile {
	return secretFile{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (f secretFile) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	secrets := map[string]map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretFile) get(service, account string) (string, error) {
	secrets, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("no secret %s/%s", service, account)
	}
	return v, nil
}

// set refuses to touch a file it cannot parse, so a corrupt store is never
// replaced by one holding a single secret.
func (f secretFile) set(service, account, value string) error {
	secrets, err := f.load()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := defaultSecretFile().get(service, account)
	return []byte(v), err
}

func keychainSet(service, account, value string) error {
	return defaultSecretFile().set(service, account, value)
}
