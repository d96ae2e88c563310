package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	selfStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this device's sync state and the server's view of all devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			var b strings.Builder
			row := func(label, value string) {
				b.WriteString(labelStyle.Render(label) + value + "\n")
			}
			row("server", d.cfg.BaseURL)
			row("data dir", d.store.Dir())
			row("device", d.meta.DeviceID)
			row("last sync", formatMillis(d.meta.LastSyncAt))
			if len(d.meta.Pending) > 0 {
				row("pending", strings.Join(d.meta.Pending, ", "))
			} else {
				row("pending", "none")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), d.cfg.RequestTimeout())
			defer cancel()
			if err := d.client.Health(ctx); err != nil {
				row("health", errStyle.Render("unreachable")+" "+err.Error())
				fmt.Fprint(cmd.OutOrStdout(), b.String())
				return nil
			}
			row("health", okStyle.Render("ok"))

			cursors, err := d.client.Cursors(ctx)
			if err != nil {
				row("devices", errStyle.Render(err.Error()))
				fmt.Fprint(cmd.OutOrStdout(), b.String())
				return nil
			}
			b.WriteString("\n" + headStyle.Render("devices") + "\n")
			for _, c := range cursors {
				name := c.DeviceID
				if name == d.meta.DeviceID {
					name = selfStyle.Render(name + " (this device)")
				}
				b.WriteString(fmt.Sprintf("  %s\n    synced %s, seen %s\n", name, formatMillis(c.LastSyncAt), formatMillis(c.LastSeenAt)))
			}
			fmt.Fprint(cmd.OutOrStdout(), b.String())
			return nil
		},
	}
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
