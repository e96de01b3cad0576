package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stripefs/pkg/stripe"
	"stripefs/pkg/utils"
)

func locateCmd() *cobra.Command {
	var (
		chunkSize   string
		stripeCount int
	)

	cmd := &cobra.Command{
		Use:   "locate OFFSET [COUNT]",
		Short: "Show where a byte range of a file is stored",
		Long:  `Print the extents a request of COUNT bytes at OFFSET is split into: target index and offset inside the target's object.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunk, err := utils.ParseDataSize(chunkSize)
			if err != nil || chunk <= 0 {
				return fmt.Errorf("invalid chunk size %q", chunkSize)
			}
			if stripeCount <= 0 {
				return fmt.Errorf("stripe count must be positive")
			}

			offset, err := utils.ParseDataSize(args[0])
			if err != nil || offset < 0 {
				return fmt.Errorf("invalid offset %q", args[0])
			}
			count := int64(1)
			if len(args) == 2 {
				if count, err = utils.ParseDataSize(args[1]); err != nil || count <= 0 {
					return fmt.Errorf("invalid count %q", args[1])
				}
			}

			fmt.Println(renderExtents(stripe.Plan(offset, count, int(chunk), stripeCount)))
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkSize, "chunk", "64KiB", "chunk size")
	cmd.Flags().IntVar(&stripeCount, "stripes", 4, "stripe count")

	return cmd
}

func renderExtents(extents []stripe.Extent) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00d2d3"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("FILE OFFSET", "TARGET", "TARGET OFFSET", "LENGTH")

	for _, ext := range extents {
		t.Row(
			humanize.Comma(ext.FileOffset),
			strconv.Itoa(ext.Target),
			humanize.Comma(ext.TargetOffset),
			humanize.IBytes(uint64(ext.Length)),
		)
	}
	return t.Render()
}
