package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/logger"
)

var (
	cfgFile  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "wlkit",
		Short: "wlkit - Wayland compositor toolkit",
		Long: `wlkit runs a minimal Wayland compositor directly on DRM/KMS and evdev.
It acquires the seat through logind or a VT, lights up every connected
output and serves Wayland clients from $XDG_RUNTIME_DIR.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

// flagKeys maps command flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "logging.log_level",
	"card":        "display.card",
	"commit-mode": "display.commit_mode",
	"socket":      "socket.name",
	"session":     "session.strategy",
	"seat":        "session.seat",
	"tty":         "session.tty",
	"hotplug":     "hotplug.strategy",
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: search /etc/wlkit and $XDG_CONFIG_HOME/wlkit)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func initConfig(cmd *cobra.Command, args []string) error {
	config.SetConfigPath(cfgFile)
	bindFlags(cmd.Flags())

	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	if level := config.Get().Logging.LogLevel; level != "" {
		logger.SetLevel(level)
	}
	return nil
}

// bindFlags binds the flags a command was invoked with. Unchanged
// flags do not shadow the config file.
func bindFlags(flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := viper.BindPFlag(key, f); err != nil {
				logger.Warnf("Failed to bind flag %s: %v", name, err)
			}
		}
	}
}
