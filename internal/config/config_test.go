package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset(t *testing.T, path string) {
	t.Helper()
	viper.Reset()
	cfg = nil
	SetConfigPath(path)
	t.Cleanup(func() {
		viper.Reset()
		cfg = nil
		SetConfigPath("")
	})
}

func TestInitDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")
	reset(t, missing)
	require.NoError(t, Init())
	assert.Equal(t, missing, GetConfigPath())

	reset(t, "")
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.NoError(t, Init())

	c := Get()
	assert.Equal(t, SessionLogind, c.Session.Strategy)
	assert.Equal(t, "seat0", c.Session.Seat)
	assert.Equal(t, 2*time.Second, c.Session.PauseTimeout)
	assert.Empty(t, c.Display.CommitMode)
	assert.Equal(t, 32, c.Reactor.MaxRequestsPerDispatch)
	assert.True(t, c.IPC.Enabled)

	assert.ErrorContains(t, c.Validate(), "display.commit_mode must be set")
}

func TestInitRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlkit.toml")
	require.NoError(t, os.WriteFile(path, []byte("[display\n"), 0o600))
	reset(t, path)
	assert.ErrorContains(t, Init(), "error reading config file")
}

func TestInitReadsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlkit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[display]
commit_mode = "legacy"
card = "/dev/dri/card1"

[display.modes]
HDMI-A-1 = "1920x1080@60"

[session]
pause_timeout = "500ms"
`), 0o600))
	reset(t, path)
	t.Setenv("WLKIT_HOTPLUG_STRATEGY", "poll")

	require.NoError(t, Init())
	c := Get()
	assert.Equal(t, CommitLegacy, c.Display.CommitMode)
	assert.Equal(t, "/dev/dri/card1", c.Display.Card)
	assert.Equal(t, "1920x1080@60", c.Display.Modes["hdmi-a-1"])
	assert.Equal(t, 500*time.Millisecond, c.Session.PauseTimeout)
	assert.Equal(t, HotplugPoll, c.Hotplug.Strategy)
	assert.NoError(t, c.Validate())
	assert.Equal(t, path, GetConfigPath())
}

func TestValidate(t *testing.T) {
	base := DefaultConfig
	base.Display.CommitMode = CommitAtomic
	require.NoError(t, base.Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"commit mode", func(c *Config) { c.Display.CommitMode = "async" }, `unknown display.commit_mode "async"`},
		{"session", func(c *Config) { c.Session.Strategy = "seatd" }, `unknown session.strategy "seatd"`},
		{"hotplug", func(c *Config) { c.Hotplug.Strategy = "udev" }, `unknown hotplug.strategy "udev"`},
		{"batch", func(c *Config) { c.Reactor.Batch = -1 }, "reactor.batch"},
		{"requests", func(c *Config) { c.Reactor.MaxRequestsPerDispatch = 0 }, "max_requests_per_dispatch"},
		{"mode", func(c *Config) { c.Display.Modes = map[string]string{"DP-1": "big"} }, "display.modes[DP-1]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("2560x1440@144")
	require.NoError(t, err)
	assert.Equal(t, ModeOverride{Width: 2560, Height: 1440, Refresh: 144}, m)

	m, err = ParseMode(" 800x600 ")
	require.NoError(t, err)
	assert.Equal(t, ModeOverride{Width: 800, Height: 600}, m)

	for _, bad := range []string{"", "800", "0x600", "800x600@fast"} {
		_, err := ParseMode(bad)
		assert.Error(t, err, bad)
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "wlkit.toml")
	reset(t, path)
	viper.Set("display.commit_mode", CommitAtomic)

	require.NoError(t, Save())

	reset(t, path)
	require.NoError(t, Init())
	assert.Equal(t, CommitAtomic, Get().Display.CommitMode)
	assert.Equal(t, 16*time.Millisecond, Get().Reactor.Timeout)
}
