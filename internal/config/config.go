// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the toolkit configuration
type Config struct {
	Session SessionConfig `mapstructure:"session"`
	Display DisplayConfig `mapstructure:"display"`
	Input   InputConfig   `mapstructure:"input"`
	Hotplug HotplugConfig `mapstructure:"hotplug"`
	Reactor ReactorConfig `mapstructure:"reactor"`
	Socket  SocketConfig  `mapstructure:"socket"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SessionConfig selects how privileged devices are obtained
type SessionConfig struct {
	Strategy     string        `mapstructure:"strategy"` // "logind" or "direct"
	Seat         string        `mapstructure:"seat"`
	TTY          string        `mapstructure:"tty"` // direct strategy only, empty disables VT handling
	PauseTimeout time.Duration `mapstructure:"pause_timeout"`
}

// DisplayConfig contains mode-setting settings
type DisplayConfig struct {
	Card string `mapstructure:"card"` // empty picks the first card with connectors

	// CommitMode is "atomic" or "legacy". It has no default: the two
	// paths give different consistency guarantees.
	CommitMode string `mapstructure:"commit_mode"`

	// Modes overrides the preferred mode per connector name, in the
	// form "1920x1080@60" or "1920x1080".
	Modes map[string]string `mapstructure:"modes"`
}

// InputConfig contains input backend settings
type InputConfig struct {
	Ignore []string `mapstructure:"ignore"` // device names or event node paths
}

// HotplugConfig selects the device monitor
type HotplugConfig struct {
	Strategy     string        `mapstructure:"strategy"` // "netlink" or "poll"
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ReactorConfig tunes the dispatch loop
type ReactorConfig struct {
	Timeout                time.Duration `mapstructure:"timeout"`
	Batch                  int           `mapstructure:"batch"`
	MaxRequestsPerDispatch int           `mapstructure:"max_requests_per_dispatch"`
}

// SocketConfig names the listening socket
type SocketConfig struct {
	Name string `mapstructure:"name"` // empty picks the first free wayland-N
}

// IPCConfig controls the status socket
type IPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

const (
	CommitAtomic = "atomic"
	CommitLegacy = "legacy"

	SessionLogind = "logind"
	SessionDirect = "direct"

	HotplugNetlink = "netlink"
	HotplugPoll    = "poll"
)

var (
	// DefaultConfig provides defaults. CommitMode is deliberately empty.
	DefaultConfig = Config{
		Session: SessionConfig{
			Strategy:     SessionLogind,
			Seat:         "seat0",
			PauseTimeout: 2 * time.Second,
		},
		Display: DisplayConfig{
			Modes: map[string]string{},
		},
		Input: InputConfig{
			Ignore: []string{},
		},
		Hotplug: HotplugConfig{
			Strategy:     HotplugNetlink,
			PollInterval: 2 * time.Second,
		},
		Reactor: ReactorConfig{
			Timeout:                16 * time.Millisecond,
			Batch:                  0,
			MaxRequestsPerDispatch: 32,
		},
		IPC: IPCConfig{
			Enabled: true,
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("wlkit")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/wlkit")
		if dir := userConfigDir(); dir != "" {
			viper.AddConfigPath(filepath.Join(dir, "wlkit"))
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("WLKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path that does not exist yet is created by Save.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	cfg = c

	return nil
}

func setDefaults() {
	viper.SetDefault("session.strategy", DefaultConfig.Session.Strategy)
	viper.SetDefault("session.seat", DefaultConfig.Session.Seat)
	viper.SetDefault("session.tty", DefaultConfig.Session.TTY)
	viper.SetDefault("session.pause_timeout", DefaultConfig.Session.PauseTimeout)

	viper.SetDefault("display.card", DefaultConfig.Display.Card)
	viper.SetDefault("display.commit_mode", DefaultConfig.Display.CommitMode)
	viper.SetDefault("display.modes", DefaultConfig.Display.Modes)

	viper.SetDefault("input.ignore", DefaultConfig.Input.Ignore)

	viper.SetDefault("hotplug.strategy", DefaultConfig.Hotplug.Strategy)
	viper.SetDefault("hotplug.poll_interval", DefaultConfig.Hotplug.PollInterval)

	viper.SetDefault("reactor.timeout", DefaultConfig.Reactor.Timeout)
	viper.SetDefault("reactor.batch", DefaultConfig.Reactor.Batch)
	viper.SetDefault("reactor.max_requests_per_dispatch", DefaultConfig.Reactor.MaxRequestsPerDispatch)

	viper.SetDefault("socket.name", DefaultConfig.Socket.Name)
	viper.SetDefault("ipc.enabled", DefaultConfig.IPC.Enabled)
	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		d := DefaultConfig
		return &d
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Validate checks the choices that have no safe default.
func (c *Config) Validate() error {
	switch c.Display.CommitMode {
	case CommitAtomic, CommitLegacy:
	case "":
		return fmt.Errorf("display.commit_mode must be set to %q or %q", CommitAtomic, CommitLegacy)
	default:
		return fmt.Errorf("unknown display.commit_mode %q", c.Display.CommitMode)
	}

	switch c.Session.Strategy {
	case SessionLogind, SessionDirect:
	default:
		return fmt.Errorf("unknown session.strategy %q", c.Session.Strategy)
	}

	switch c.Hotplug.Strategy {
	case HotplugNetlink, HotplugPoll:
	default:
		return fmt.Errorf("unknown hotplug.strategy %q", c.Hotplug.Strategy)
	}

	if c.Reactor.Batch < 0 {
		return fmt.Errorf("reactor.batch must not be negative")
	}
	if c.Reactor.MaxRequestsPerDispatch <= 0 {
		return fmt.Errorf("reactor.max_requests_per_dispatch must be positive")
	}

	for name, mode := range c.Display.Modes {
		if _, err := ParseMode(mode); err != nil {
			return fmt.Errorf("display.modes[%s]: %w", name, err)
		}
	}

	return nil
}

// ModeOverride is a parsed display.modes entry.
type ModeOverride struct {
	Width, Height int
	Refresh       int // 0 means any
}

// ParseMode parses "WIDTHxHEIGHT[@REFRESH]".
func ParseMode(s string) (ModeOverride, error) {
	var m ModeOverride
	res, refresh, hasRefresh := strings.Cut(strings.TrimSpace(s), "@")
	if _, err := fmt.Sscanf(res, "%dx%d", &m.Width, &m.Height); err != nil {
		return m, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return m, fmt.Errorf("invalid mode %q: non-positive size", s)
	}
	if hasRefresh {
		if _, err := fmt.Sscanf(refresh, "%d", &m.Refresh); err != nil {
			return m, fmt.Errorf("invalid refresh in %q: %w", s, err)
		}
	}
	return m, nil
}

// Save writes the current settings, defaults included, to
// GetConfigPath.
func Save() error {
	setDefaults()
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.HasPrefix(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetConfigPath returns the path of the loaded config file, or where
// one would be looked up first.
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}
	if os.Getuid() == 0 {
		return "/etc/wlkit/wlkit.toml"
	}
	if dir := userConfigDir(); dir != "" {
		return filepath.Join(dir, "wlkit", "wlkit.toml")
	}
	return "/etc/wlkit/wlkit.toml"
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return fmt.Sprintf("/home/%s/.config", sudoUser)
	}
	if home := os.Getenv("HOME"); home != "" && home != "/root" {
		return filepath.Join(home, ".config")
	}
	return ""
}
