//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.conversa.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "conversa")
	}
	return "conversa-data"
}

// defaultsBackend stores settings in UserDefaults through the `defaults` CLI.
type defaultsBackend struct {
	domain string
	run    func(args ...string) ([]byte, error)
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{
		domain: defaultsDomain,
		run: func(args ...string) ([]byte, error) {
			return exec.Command("defaults", args...).CombinedOutput()
		},
	}
}

// errMissingDefault matches the exit status `defaults read` uses for an
// absent key.
func errMissingDefault(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	val := strings.TrimSpace(string(out))
	switch {
	case err == nil:
		return val, true, nil
	case errMissingDefault(err):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s %s: %w (%s)", b.domain, key, err, val)
	}
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	raw, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: not an integer: %q", key, raw)
	}
	return n, true, nil
}

func (b *defaultsBackend) write(key, typ, val string) error {
	if out, err := b.run("write", b.domain, key, typ, val); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", b.domain, key)
	if errMissingDefault(err) {
		return nil
	}
	return err
}
