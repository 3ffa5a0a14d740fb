package cmd

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlkit/hotplug"
	"github.com/bnema/wlkit/input"
	"github.com/bnema/wlkit/internal/ui"
)

var sysfsRoot string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List DRM cards and input devices",
	Long: `List the DRM cards and evdev nodes known to sysfs, with the status of
every connector. No device is opened: input capabilities come from the
sysfs bitmaps and the access column shows whether this user could open
the node without a session (the direct strategy needs that).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sysfs := sysfsRoot
		if sysfs == "" {
			sysfs = "/sys"
		}
		opts := []hotplug.Option{hotplug.WithSysfs(sysfs)}
		devices, err := hotplug.Enumerate(opts...)
		if err != nil {
			return fmt.Errorf("failed to enumerate devices: %w", err)
		}

		var cards, inputs [][]string
		for _, d := range devices {
			switch d.Subsystem {
			case hotplug.SubsystemDRM:
				card := filepath.Base(d.Node)
				status := hotplug.ConnectorStatus(card, opts...)
				var conns []string
				for _, name := range slices.Sorted(maps.Keys(status)) {
					conns = append(conns, name+" ("+status[name]+")")
				}
				cards = append(cards, []string{d.Node, fmt.Sprintf("%d:%d", d.Major, d.Minor), access(d.Node), strings.Join(conns, ", ")})
			case hotplug.SubsystemInput:
				caps := "unknown"
				if c, ok := input.Probe(sysfs, d.Node); ok {
					caps = c.String()
				}
				inputs = append(inputs, []string{d.Node, hotplug.Name(d, opts...), caps, access(d.Node)})
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, ui.FormatHeader("DEVICES", ""))
		fmt.Fprintln(out, ui.SubheaderStyle.Render(fmt.Sprintf("DRM cards (%d)", len(cards))))
		if len(cards) > 0 {
			fmt.Fprintln(out, ui.Table([]string{"Node", "Dev", "Access", "Connectors"}, cards))
		}
		fmt.Fprintln(out, ui.SubheaderStyle.Render(fmt.Sprintf("Input devices (%d)", len(inputs))))
		if len(inputs) > 0 {
			fmt.Fprintln(out, ui.Table([]string{"Node", "Name", "Capabilities", "Access"}, inputs))
		}
		return nil
	},
}

func init() {
	devicesCmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "sysfs mount point")
	devicesCmd.Flags().MarkHidden("sysfs")
	rootCmd.AddCommand(devicesCmd)
}

func access(node string) string {
	if unix.Access(node, unix.R_OK|unix.W_OK) != nil {
		return "denied"
	}
	return "rw"
}
