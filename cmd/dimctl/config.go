package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultBrightness = 70

// Config is what dimctl remembers between runs.
type Config struct {
	// Host is the device address or name used for HTTP requests.
	Host string `yaml:"host,omitempty"`
	// SerialPort is the USB serial device, e.g. /dev/ttyACM0.
	SerialPort string `yaml:"serial_port,omitempty"`
	// LastBrightness is the last percentage successfully set.
	LastBrightness int `yaml:"last_brightness"`
	// PasswordFile holds the console password; "~/" is expanded.
	PasswordFile string `yaml:"password_file,omitempty"`
	// Auto holds the idle auto-dimmer settings.
	Auto AutoConfig `yaml:"auto,omitempty"`
}

// configPath returns ~/.config/imacdimmer/dimctl.yaml, honouring
// XDG_CONFIG_HOME through os.UserConfigDir.
func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imacdimmer", "dimctl.yaml"), nil
}

// loadConfig reads path. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{LastBrightness: defaultBrightness}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.LastBrightness < minPercent || cfg.LastBrightness > maxPercent {
		cfg.LastBrightness = defaultBrightness
	}
	return cfg, nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

func saveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
