package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	appLog "sunrelay/internal/log"
	"sunrelay/internal/model"
	"sunrelay/internal/power"
	"sunrelay/internal/solar"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables prefixed with SUNRELAY_ override
// file values.

const (
	// DefaultPath is where the appliance keeps its config file.
	DefaultPath = "/etc/sunrelay/config.yaml"

	// EnvPrefix is the prefix of environment overrides, e.g.
	// SUNRELAY_LATITUDE or SUNRELAY_RELAY_PIN.
	EnvPrefix = "sunrelay"

	defaultListen = "127.0.0.1:8080"
	defaultResync = "0 * * * *"
)

// RelayConfig describes how the relay is wired to the Pi.
type RelayConfig struct {
	// Pin is the periph.io pin name, e.g. "GPIO17".
	Pin string `yaml:"pin" json:"pin"`
	// ActiveLow relays energize when the pin is driven low.
	ActiveLow bool `yaml:"active_low" json:"active_low" split_words:"true"`
	// Mock forces the in-memory relay, for development off the Pi.
	Mock bool `yaml:"mock" json:"mock"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Latitude and Longitude are optional; when either is missing the
	// operator is prompted on the console.
	Latitude  *float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude *float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`

	// Zenith is a preset name (official, civil, nautical, astronomical) or
	// a number of degrees.
	Zenith string `yaml:"zenith" json:"zenith"`

	// Timezone is the IANA timezone that defines "today". Empty means the
	// host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Resync is a cron-style schedule string (e.g. "0 * * * *") used to
	// re-arm the scheduler after suspends and clock changes.
	Resync string `yaml:"resync" json:"resync"`

	LogLevel string `yaml:"log_level" json:"log_level" split_words:"true"`

	// Console enables the interactive command loop on stdin.
	Console bool `yaml:"console" json:"console"`

	Relay RelayConfig `yaml:"relay" json:"relay"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" ignored:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Zenith:   solar.Official.String(),
		Listen:   defaultListen,
		Resync:   defaultResync,
		LogLevel: "info",
		Console:  true,
		Relay: RelayConfig{
			Pin: power.DefaultPin,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Zenith == "" {
		c.Zenith = solar.Official.String()
	}
	if c.Resync == "" {
		c.Resync = defaultResync
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Relay.Pin == "" {
		c.Relay.Pin = power.DefaultPin
	}
}

// ApplyEnv overrides fields from SUNRELAY_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting. Nothing is defaulted here;
// an invalid value is an error, not a fallback.
func (c *Config) Validate() error {
	if c.Latitude != nil {
		if err := (model.Coordinate{Latitude: *c.Latitude}).Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Longitude != nil {
		if err := (model.Coordinate{Longitude: *c.Longitude}).Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := solar.ParseZenith(c.Zenith); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.Resync); err != nil {
		return fmt.Errorf("config: resync %q: %w", c.Resync, err)
	}
	if _, err := appLog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// Coordinate returns the configured location when both latitude and
// longitude are set.
func (c *Config) Coordinate() (model.Coordinate, bool) {
	if c.Latitude == nil || c.Longitude == nil {
		return model.Coordinate{}, false
	}
	return model.Coordinate{Latitude: *c.Latitude, Longitude: *c.Longitude}, true
}

// Location resolves Timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PowerConfig converts the relay section for the power package.
func (c *Config) PowerConfig() power.RelayConfig {
	return power.RelayConfig{
		Pin:       c.Relay.Pin,
		ActiveLow: c.Relay.ActiveLow,
		Mock:      c.Relay.Mock,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults, so omitted keys keep them
//   - normalize empty strings back to defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			appLog.Info("wrote default config", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	// Keys missing from the file keep their defaults.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".sunrelay-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
