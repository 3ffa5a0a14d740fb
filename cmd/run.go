package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/wlkit/compositor"
	"github.com/bnema/wlkit/display"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/protocol"
	"github.com/bnema/wlkit/render"
	"github.com/bnema/wlkit/resource"
)

var (
	keymapPath string
	background string
)

var runCmd = &cobra.Command{
	Use:   "run [-- command [args...]]",
	Short: "Run the compositor on this seat",
	Long: `Run the compositor on this seat. Every connected output is lit up and
clients are drawn stacked at the output origin by the software renderer.

When a command is given it is started once the socket is listening, with
WAYLAND_DISPLAY set, and the compositor exits when it does.`,
	RunE: runRuntime,
}

func init() {
	f := runCmd.Flags()
	f.String("card", "", "DRM card to drive (default: first card with connectors)")
	f.String("commit-mode", "", "modeset path: atomic or legacy")
	f.String("socket", "", "Wayland socket name (default: first free wayland-N)")
	f.String("session", "", "seat access: logind or direct")
	f.String("seat", "", "seat to take")
	f.String("tty", "", "VT for the direct session")
	f.String("hotplug", "", "device monitor: netlink or poll")
	f.StringVar(&keymapPath, "keymap", "", "XKB keymap file sent to keyboards")
	f.StringVar(&background, "background", "", "background color as RRGGBB")

	rootCmd.AddCommand(runCmd)
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration (%s): %w", config.GetConfigPath(), err)
	}

	renderOpts := []render.Option{render.WithAsync()}
	if background != "" {
		c, err := parseColor(background)
		if err != nil {
			return err
		}
		renderOpts = append(renderOpts, render.WithBackground(c))
	}
	renderer := render.NewSoftware(renderOpts...)

	opts := []compositor.Option{compositor.WithRenderer(renderer)}
	if keymapPath != "" {
		km, err := openKeymap(keymapPath)
		if err != nil {
			return err
		}
		defer km.File.Close()
		opts = append(opts, compositor.WithKeymap(km))
	}

	rt := compositor.New(cfg, opts...)
	rt.OnOutput = func(o *display.Output, enabled bool) {
		if enabled {
			logger.Info("Output enabled", "name", o.Name(), "mode", o.Mode().String())
		} else {
			logger.Info("Output disabled", "name", o.Name())
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(); err != nil {
		return fmt.Errorf("failed to start compositor: %w", err)
	}
	defer func() {
		renderer.Wait()
		if err := rt.Close(); err != nil {
			logger.Warn("Shutdown", "err", err)
		}
	}()
	logger.Infof("Listening on %s", rt.SocketName())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Run(gctx)
	})
	if len(args) > 0 {
		g.Go(func() error {
			return runChild(gctx, rt.SocketName(), args)
		})
	}

	err := g.Wait()
	if errors.Is(err, errChildExited) {
		return nil
	}
	return err
}

var errChildExited = errors.New("child exited")

// runChild runs the session command. Its exit, clean or not, ends the
// compositor.
func runChild(ctx context.Context, display string, args []string) error {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Env = append(os.Environ(), "WAYLAND_DISPLAY="+display)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}

	logger.Info("Starting client", "command", strings.Join(args, " "))
	if err := c.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return errChildExited
}

func openKeymap(path string) (*resource.Keymap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keymap: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat keymap: %w", err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("keymap %s is empty", path)
	}
	return &resource.Keymap{Format: protocol.KeymapXKBV1, File: f, Size: uint32(st.Size())}, nil
}

func parseColor(s string) (render.Color, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil || len(strings.TrimPrefix(s, "#")) != 6 {
		return 0, fmt.Errorf("invalid color %q: want RRGGBB", s)
	}
	return render.RGBA8(uint8(v>>16), uint8(v>>8), uint8(v), 0xff), nil
}
