// Package appconfig manages application configuration and data file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/fwdctl/internal/util"
)

const appName = "fwdctl"

type BindPolicy string

const (
	BindPolicyLoopbackOnly BindPolicy = "loopback-only"
	BindPolicyAllowPublic  BindPolicy = "allow-public"
)

// ForwardConfig tunes the forwarding coordinator.
type ForwardConfig struct {
	SettleDelayMS int        `yaml:"settle_delay_ms"`
	BindPolicy    BindPolicy `yaml:"bind_policy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SecurityConfig struct {
	RedactErrors bool `yaml:"redact_errors"`
}

// SSHConfig holds defaults for `fwdctl serve`.
type SSHConfig struct {
	User                  string `yaml:"user"`
	IdentityFile          string `yaml:"identity_file"`
	KnownHostsFile        string `yaml:"known_hosts_file"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config holds application-level configuration.
type Config struct {
	StorePath string         `yaml:"store_path"`
	Forward   ForwardConfig  `yaml:"forward"`
	Log       LogConfig      `yaml:"log"`
	Security  SecurityConfig `yaml:"security"`
	SSH       SSHConfig      `yaml:"ssh"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Forward: ForwardConfig{
			SettleDelayMS: 500,
			BindPolicy:    BindPolicyLoopbackOnly,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		Security: SecurityConfig{RedactErrors: true},
		SSH:      SSHConfig{ConnectTimeoutSeconds: 10},
	}
}

// SettleDelay is the configured pause between unbind and rebind on edit.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Forward.SettleDelayMS) * time.Millisecond
}

// BindAddr is the local address listeners bind to under the configured policy.
func (c Config) BindAddr() string {
	if c.Forward.BindPolicy == BindPolicyAllowPublic {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
}

// KnownHostsPath returns ssh.known_hosts_file, defaulting to ~/.ssh/known_hosts.
func (c Config) KnownHostsPath() string {
	if p := strings.TrimSpace(c.SSH.KnownHostsFile); p != "" {
		return expandHome(p)
	}
	return expandHome("~/.ssh/known_hosts")
}

// IdentityPath returns ssh.identity_file with ~ expanded, or "".
func (c Config) IdentityPath() string {
	if p := strings.TrimSpace(c.SSH.IdentityFile); p != "" {
		return expandHome(p)
	}
	return ""
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/fwdctl.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// ResolveStorePath returns the SQLite database path, honouring store_path.
func (c Config) ResolveStorePath() (string, error) {
	if p := strings.TrimSpace(c.StorePath); p != "" {
		return expandHome(p), nil
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "forwards.db"), nil
}

// EventsFilePath returns the full path to events.jsonl.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// SocketPath returns the control socket a serve process for hostID listens on.
func SocketPath(hostID int64) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, fmt.Sprintf("serve-%d.sock", hostID)), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.Forward.SettleDelayMS <= 0 {
		cfg.Forward.SettleDelayMS = def.Forward.SettleDelayMS
	}
	if maxMS := int(util.MaxSettleDelay / time.Millisecond); cfg.Forward.SettleDelayMS > maxMS {
		cfg.Forward.SettleDelayMS = maxMS
	}
	switch cfg.Forward.BindPolicy {
	case BindPolicyLoopbackOnly, BindPolicyAllowPublic:
	default:
		cfg.Forward.BindPolicy = BindPolicyLoopbackOnly
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.SSH.ConnectTimeoutSeconds <= 0 {
		cfg.SSH.ConnectTimeoutSeconds = def.SSH.ConnectTimeoutSeconds
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
