package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/wlkit/compositor"
	"github.com/bnema/wlkit/internal/config"
	"github.com/bnema/wlkit/internal/ipc"
	"github.com/bnema/wlkit/internal/ui"
)

var (
	statusDisplay string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running compositor",
	Long: `Query the control socket of a running compositor for its session,
outputs, input devices and client count.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		display := statusDisplay
		if display == "" {
			display = os.Getenv("WAYLAND_DISPLAY")
		}
		if display == "" {
			display = config.Get().Socket.Name
		}
		if display == "" {
			return fmt.Errorf("no display given: use --display or set WAYLAND_DISPLAY")
		}

		client := ipc.NewClientWithTimeout(display, statusTimeout)
		resp, err := client.Status()
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatStatus(false, fmt.Sprintf("No compositor answering on %s", client.Path())))
			return fmt.Errorf("failed to get status: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), formatStatus(compositor.StatusFromStruct(resp)))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusDisplay, "display", "d", "", "display to query (default: $WAYLAND_DISPLAY)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "control socket timeout")
	rootCmd.AddCommand(statusCmd)
}

func formatStatus(st compositor.Status) string {
	var output strings.Builder

	output.WriteString(ui.FormatHeader("WLKIT STATUS", st.Display))
	output.WriteString("\n\n")

	var summary strings.Builder
	summary.WriteString(ui.FormatStatus(st.Session == "active", "Session "+st.Session))
	summary.WriteString("\n")
	summary.WriteString(ui.FormatField("Seat", st.Seat))
	summary.WriteString("\n")
	summary.WriteString(ui.FormatField("Card", st.Card))
	summary.WriteString("\n")
	summary.WriteString(ui.FormatField("Clients", strconv.Itoa(st.Clients)))
	output.WriteString(ui.BoxStyle.Render(summary.String()))
	output.WriteString("\n\n")

	output.WriteString(ui.SubheaderStyle.Render(fmt.Sprintf("Outputs (%d)", len(st.Outputs))))
	output.WriteString("\n")
	if len(st.Outputs) == 0 {
		output.WriteString(ui.MutedStyle.Italic(true).Render("No outputs"))
	} else {
		rows := make([][]string, 0, len(st.Outputs))
		for _, o := range st.Outputs {
			crtc := ""
			if o.Crtc != 0 {
				crtc = strconv.FormatUint(uint64(o.Crtc), 10)
			}
			rows = append(rows, []string{o.Name, o.State, o.Mode, crtc})
		}
		output.WriteString(ui.Table([]string{"Name", "State", "Mode", "CRTC"}, rows))
	}
	output.WriteString("\n\n")

	output.WriteString(ui.SubheaderStyle.Render(fmt.Sprintf("Input devices (%d)", len(st.Inputs))))
	output.WriteString("\n")
	if len(st.Inputs) == 0 {
		output.WriteString(ui.MutedStyle.Italic(true).Render("No input devices"))
	} else {
		rows := make([][]string, 0, len(st.Inputs))
		for _, d := range st.Inputs {
			rows = append(rows, []string{strconv.FormatUint(uint64(d.ID), 10), d.Name, d.Path, d.Caps})
		}
		output.WriteString(ui.Table([]string{"ID", "Name", "Path", "Capabilities"}, rows))
	}

	return output.String()
}
