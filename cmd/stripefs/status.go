package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stripefs/pkg/storage"
	"stripefs/pkg/types"
)

func statusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of the configured storage targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Targets) == 0 {
				return fmt.Errorf("no targets configured")
			}

			addresses := make(map[types.TargetID]string, len(cfg.Targets))
			for _, t := range cfg.Targets {
				addresses[t.TargetID] = t.Address
			}
			client := storage.NewRemote(addresses, storage.NewConnectionPool(cfg.Auth), logger, nil)
			defer client.Close()

			ids := cfg.TargetIDs()
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00d2d3"))).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("TARGET", "ADDRESS", "STATUS", "OBJECTS", "CAPACITY", "USED", "USAGE")

			for _, id := range ids {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				health, err := client.HealthCheck(ctx, id)
				cancel()

				if err != nil {
					t.Row(fmt.Sprintf("%d", id), addresses[id],
						lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b")).Render("🔴 UNREACHABLE"),
						"-", "-", "-", "-")
					continue
				}

				usage := float64(0)
				if health.TotalCapacity > 0 {
					usage = float64(health.UsedCapacity) / float64(health.TotalCapacity) * 100
				}

				state := lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Render("🟢 HEALTHY")
				if !health.Healthy {
					state = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff9f43")).Render("🟡 DEGRADED")
				}

				t.Row(
					fmt.Sprintf("%d", id),
					addresses[id],
					state,
					humanize.Comma(int64(health.Objects)),
					humanize.IBytes(uint64(health.TotalCapacity)),
					humanize.IBytes(uint64(health.UsedCapacity)),
					renderMiniBar(usage, 10),
				)
			}

			fmt.Println(lipgloss.NewStyle().MarginBottom(1).Render("💾 STORAGE TARGETS\n" + t.Render()))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-target health check timeout")

	return cmd
}

func renderMiniBar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)

	color := lipgloss.Color("#42c767")
	if percent > 80 {
		color = lipgloss.Color("#ff6b6b")
	} else if percent > 60 {
		color = lipgloss.Color("#ff9f43")
	}

	filled := int(float64(width) * percent / 100)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(lipgloss.Color("#333333")).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %.1f%%", bar, percent)
}
