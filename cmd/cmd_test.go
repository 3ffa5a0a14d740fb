package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bnema/wlkit/compositor"
	"github.com/bnema/wlkit/internal/ipc"
	"github.com/bnema/wlkit/render"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func tempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wlkit.toml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(rootCmd, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "wlkit "+Version)
	assert.Contains(t, out, "commit:")
}

func TestConfigInit(t *testing.T) {
	path := tempConfig(t, "")

	t.Run("creates config file when it doesn't exist", func(t *testing.T) {
		_, err := executeCommand(rootCmd, "config", "init", "--config", path)
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("doesn't overwrite existing config without force", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("[display]\ncommit_mode = \"legacy\"\n"), 0o600))
		_, err := executeCommand(rootCmd, "config", "init", "--config", path)
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "legacy")
	})

	t.Run("overwrites with force flag", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("test = true"), 0o600))
		_, err := executeCommand(rootCmd, "config", "init", "--config", path, "--force")
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEqual(t, "test = true", string(content))
		assert.Contains(t, string(content), "max_requests_per_dispatch")
	})
}

func TestConfigShow(t *testing.T) {
	path := tempConfig(t, `
[display]
card = "/dev/dri/card7"

[display.modes]
DP-1 = "1280x720"
`)
	out, err := executeCommand(rootCmd, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.Contains(t, out, "/dev/dri/card7")
	assert.Contains(t, out, "modes.dp-1")
	assert.Contains(t, out, "unset (required)")
	assert.Contains(t, out, "display.commit_mode must be set")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := tempConfig(t, "[session]\nstrategy = \"logind\"\n")
	_, err := executeCommand(rootCmd, "run", "--config", path)
	assert.ErrorContains(t, err, "display.commit_mode must be set")

	path = tempConfig(t, "[display]\ncommit_mode = \"vsync\"\n")
	_, err = executeCommand(rootCmd, "run", "--config", path)
	assert.ErrorContains(t, err, `unknown display.commit_mode "vsync"`)
}

func TestParseColor(t *testing.T) {
	c, err := parseColor("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, render.RGBA8(0xff, 0x80, 0x00, 0xff), c)

	for _, bad := range []string{"fff", "zzzzzz", "ff800000"} {
		_, err := parseColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpenKeymap(t *testing.T) {
	_, err := openKeymap(tempConfig(t, ""))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.xkb")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = openKeymap(empty)
	assert.ErrorContains(t, err, "is empty")

	path := filepath.Join(t.TempDir(), "us.xkb")
	require.NoError(t, os.WriteFile(path, []byte("xkb_keymap {};"), 0o600))
	km, err := openKeymap(path)
	require.NoError(t, err)
	defer km.File.Close()
	assert.Equal(t, uint32(14), km.Size)
}

func TestInjectDryRun(t *testing.T) {
	path := tempConfig(t, "")
	out, err := executeCommand(rootCmd, "inject", "--config", path, "--dry-run", "move", "3", "4;", "click", "LEFT;", "key", "30")
	require.NoError(t, err)
	assert.Equal(t, "move 3 4\nclick left\nkey 30\n", out)

	_, err = executeCommand(rootCmd, "inject", "--config", path, "--dry-run", "wiggle")
	assert.ErrorContains(t, err, `unknown step "wiggle"`)

	script := filepath.Join(t.TempDir(), "steps")
	require.NoError(t, os.WriteFile(script, []byte("# nothing\n"), 0o600))
	_, err = executeCommand(rootCmd, "inject", "--config", path, "--dry-run", "--file", script)
	assert.ErrorContains(t, err, "nothing to inject")
	injectScript = ""
}

func TestDevices(t *testing.T) {
	sysfs := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(sysfs, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("class/drm/card0/uevent", "MAJOR=226\nMINOR=0\nDEVNAME=dri/card0\n")
	write("class/drm/card0-HDMI-A-1/uevent", "DEVTYPE=drm_connector\n")
	write("class/drm/card0-HDMI-A-1/status", "connected\n")
	write("class/drm/card0-DP-1/uevent", "DEVTYPE=drm_connector\n")
	write("class/drm/card0-DP-1/status", "disconnected\n")
	write("class/input/event4/uevent", "MAJOR=13\nMINOR=68\nDEVNAME=input/event4\n")
	write("class/input/event4/device/name", "Logitech USB Receiver\n")
	write("class/input/event4/device/capabilities/ev", "7\n")
	write("class/input/event4/device/capabilities/key", "10000 0 0 0 0\n")
	write("class/input/event4/device/capabilities/rel", "143\n")
	write("class/input/event5/uevent", "MAJOR=13\nMINOR=69\nDEVNAME=input/event5\n")

	out, err := executeCommand(rootCmd, "devices", "--config", tempConfig(t, ""), "--sysfs", sysfs)
	require.NoError(t, err)
	assert.Contains(t, out, "DRM cards (1)")
	assert.Contains(t, out, "/dev/dri/card0")
	assert.Contains(t, out, "226:0")
	assert.Contains(t, out, "DP-1 (disconnected), HDMI-A-1 (connected)")
	assert.Contains(t, out, "Input devices (2)")
	assert.Contains(t, out, "Logitech USB Receiver")
	assert.Contains(t, out, "pointer")
	assert.Contains(t, out, "unknown")
}

func TestStatus(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	path := tempConfig(t, "")

	_, err := executeCommand(rootCmd, "status", "--config", path, "--display", "wayland-test", "--timeout", "100ms")
	assert.ErrorContains(t, err, "failed to get status")

	want := compositor.Status{
		Display: "wayland-test",
		Card:    "/dev/dri/card0",
		Seat:    "seat0",
		Session: "active",
		Clients: 2,
		Outputs: []compositor.OutputStatus{{Name: "eDP-1", State: "enabled", Mode: "1920x1080@60", Crtc: 41}},
		Inputs:  []compositor.InputStatus{{ID: 1, Path: "/dev/input/event3", Name: "AT keyboard", Caps: "keyboard"}},
	}
	srv := ipc.NewSocketServer("wayland-test", ipc.HandlerFunc(func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return want.Struct()
	}))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	out, err := executeCommand(rootCmd, "status", "--config", path, "--display", "wayland-test")
	require.NoError(t, err)
	for _, s := range []string{"WLKIT STATUS", "wayland-test", "Session active", "seat0", "/dev/dri/card0", "eDP-1", "1920x1080@60", "41", "AT keyboard", "/dev/input/event3"} {
		assert.Contains(t, out, s)
	}
	statusDisplay = ""
}

func TestFormatStatusEmpty(t *testing.T) {
	out := formatStatus(compositor.Status{Display: "wayland-9", Session: "paused"})
	assert.Contains(t, out, "Session paused")
	assert.Contains(t, out, "No outputs")
	assert.Contains(t, out, "No input devices")
}
