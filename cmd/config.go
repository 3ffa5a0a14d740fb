package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
	"github.com/bnema/wlkit/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage wlkit configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, ui.FormatHeader("CONFIGURATION", config.GetConfigPath()))

		section := func(name string) {
			fmt.Fprintln(out, "\n"+ui.SubheaderStyle.Render("["+name+"]"))
		}
		field := func(key, value string) {
			fmt.Fprintln(out, "  "+ui.FormatField(key, value))
		}

		section("session")
		field("strategy", cfg.Session.Strategy)
		field("seat", cfg.Session.Seat)
		field("tty", cfg.Session.TTY)
		field("pause_timeout", cfg.Session.PauseTimeout.String())

		section("display")
		field("card", cfg.Display.Card)
		commit := cfg.Display.CommitMode
		if commit == "" {
			commit = ui.WarningStyle.Render("unset (required)")
		}
		field("commit_mode", commit)
		for _, name := range slices.Sorted(maps.Keys(cfg.Display.Modes)) {
			field("modes."+name, cfg.Display.Modes[name])
		}

		section("input")
		field("ignore", strings.Join(cfg.Input.Ignore, ", "))

		section("hotplug")
		field("strategy", cfg.Hotplug.Strategy)
		field("poll_interval", cfg.Hotplug.PollInterval.String())

		section("reactor")
		field("timeout", cfg.Reactor.Timeout.String())
		field("batch", fmt.Sprint(cfg.Reactor.Batch))
		field("max_requests_per_dispatch", fmt.Sprint(cfg.Reactor.MaxRequestsPerDispatch))

		section("socket")
		field("name", cfg.Socket.Name)

		section("ipc")
		field("enabled", fmt.Sprint(cfg.IPC.Enabled))

		section("logging")
		field("log_level", cfg.Logging.LogLevel)

		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(out, "\n"+ui.FormatStatus(false, err.Error()))
		}
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration saved to: %s", config.GetConfigPath())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				logger.Infof("Configuration file already exists at: %s", configPath)
				logger.Info("Use --force to overwrite")
				return nil
			}
		}

		if err := config.Save(); err != nil {
			return err
		}

		logger.Infof("Configuration initialized at: %s", configPath)
		logger.Info("Set display.commit_mode to atomic or legacy before running")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSaveCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")

	rootCmd.AddCommand(configCmd)
}
