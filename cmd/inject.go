package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/wlkit/internal/inject"
	"github.com/bnema/wlkit/internal/logger"
)

var (
	injectScript string
	injectName   string
	injectDelay  time.Duration
	injectSettle time.Duration
	injectDryRun bool
)

var injectCmd = &cobra.Command{
	Use:   "inject [step; step...]",
	Short: "Feed synthetic input through uinput",
	Long: `Create a virtual mouse and keyboard with uinput and play a script on
them, so a running compositor sees real evdev devices. Steps:

  move DX DY        relative pointer motion
  key CODE          press and release an evdev key code
  down CODE / up CODE
  press|release|click left|right|middle
  scroll N / hscroll N
  sleep MS

Requires write access to /dev/uinput.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		script := strings.Join(args, " ")
		if injectScript != "" {
			data, err := os.ReadFile(injectScript)
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			script = string(data)
		}

		steps, err := inject.Parse(script)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return fmt.Errorf("nothing to inject")
		}

		if injectDryRun {
			for _, st := range steps {
				fmt.Fprintln(cmd.OutOrStdout(), st)
			}
			return nil
		}

		in, err := inject.Open(injectName, inject.WithDelay(injectDelay))
		if err != nil {
			return err
		}
		defer in.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Give the compositor time to pick the new devices up through hotplug.
		select {
		case <-time.After(injectSettle):
		case <-ctx.Done():
			return nil
		}

		logger.Infof("Injecting %d step(s)", len(steps))
		return in.Run(ctx, steps)
	},
}

func init() {
	f := injectCmd.Flags()
	f.StringVarP(&injectScript, "file", "f", "", "read steps from a file")
	f.StringVar(&injectName, "name", "wlkit-inject", "virtual device name")
	f.DurationVar(&injectDelay, "delay", 10*time.Millisecond, "pause between steps")
	f.DurationVar(&injectSettle, "settle", 500*time.Millisecond, "wait after creating the devices")
	f.BoolVar(&injectDryRun, "dry-run", false, "print the parsed steps without touching uinput")
	rootCmd.AddCommand(injectCmd)
}
