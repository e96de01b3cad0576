package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stripefs/pkg/authz"
	"stripefs/pkg/config"
	"stripefs/pkg/fsclient"
	"stripefs/pkg/metrics"
	"stripefs/pkg/node"
	"stripefs/pkg/storage"
	"stripefs/pkg/types"
	"stripefs/pkg/utils"
)

type benchAccess struct {
	hits, misses uint64
	containers   int
	grants       []authz.Grant
}

type benchResult struct {
	phase    string
	bytes    int64
	duration time.Duration
}

func benchCmd() *cobra.Command {
	var (
		targets     int
		fileSize    string
		blockSize   string
		chunkSize   string
		stripeCount int
		remote      bool
		name        string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write and read back a striped file",
		Long: `Create a file, write it sequentially in blocks, read it back and verify it.
By default the targets run in this process; --remote uses the targets from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			size, err := utils.ParseDataSize(fileSize)
			if err != nil {
				return fmt.Errorf("invalid size: %w", err)
			}
			block, err := utils.ParseDataSize(blockSize)
			if err != nil || block <= 0 {
				return fmt.Errorf("invalid block size %q", blockSize)
			}
			chunk := int64(0)
			if chunkSize != "" {
				if chunk, err = utils.ParseDataSize(chunkSize); err != nil {
					return fmt.Errorf("invalid chunk size: %w", err)
				}
			}

			key := cfg.Capability.SigningKey
			if key == "" {
				key = "stripefs-bench"
			}
			signer, err := authz.NewTokenSigner([]byte(key), cfg.Capability.TTL)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			var client storage.Client
			if remote {
				if len(cfg.Targets) == 0 {
					return fmt.Errorf("--remote needs targets in the config file")
				}
				addresses := make(map[types.TargetID]string, len(cfg.Targets))
				for _, t := range cfg.Targets {
					addresses[t.TargetID] = t.Address
				}
				r := storage.NewRemote(addresses, storage.NewConnectionPool(cfg.Auth), logger, m)
				defer r.Close()
				client = r
			} else {
				cfg.Targets = nil
				nodes := make([]*node.Node, 0, targets)
				for i := 0; i < targets; i++ {
					t := config.TargetConfig{TargetID: types.TargetID(i), StorageCapacity: size + size/2 + 1<<20}
					cfg.Targets = append(cfg.Targets, t)
					nodes = append(nodes, node.New(&t, signer, logger, m))
				}
				client = storage.NewLocal(nodes, logger, m)
			}

			service := authz.NewService(signer, logger)
			fs, err := fsclient.New(cfg, client, service, logger, m)
			if err != nil {
				return err
			}
			defer fs.Close()

			results, err := runBench(cmd.Context(), fs, name, size, int(block), fsclient.CreateOptions{
				StripeCount: stripeCount,
				ChunkSize:   int(chunk),
			}, logger)
			if err != nil {
				return err
			}

			info, err := fs.Stat(cmd.Context(), name)
			if err != nil {
				return err
			}

			grants, err := service.Grants(info.Container)
			if err != nil {
				return err
			}

			stats := fs.Capabilities().Stats()
			fmt.Println(renderBenchReport(info, results, benchAccess{
				hits:       stats.Hits,
				misses:     stats.Misses,
				containers: service.Containers(),
				grants:     grants,
			}, int(block)))
			return nil
		},
	}

	cmd.Flags().IntVar(&targets, "targets", 4, "number of in-process targets")
	cmd.Flags().StringVar(&fileSize, "size", "64MiB", "file size")
	cmd.Flags().StringVar(&blockSize, "block", "1MiB", "size of each read and write call")
	cmd.Flags().StringVar(&chunkSize, "chunk", "", "chunk size (default from config)")
	cmd.Flags().IntVar(&stripeCount, "stripes", 0, "stripe count (default all targets)")
	cmd.Flags().BoolVar(&remote, "remote", false, "use the targets from the config file")
	cmd.Flags().StringVar(&name, "name", "/bench/file", "file name")

	return cmd
}

func runBench(ctx context.Context, fs *fsclient.Client, name string, size int64, block int,
	opts fsclient.CreateOptions, logger *zap.Logger) ([]benchResult, error) {

	h, err := fs.Create(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	buf := make([]byte, block)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	var results []benchResult

	start := time.Now()
	var written int64
	for written < size {
		n, err := h.Write(ctx, buf[:min(int64(block), size-written)])
		if err != nil {
			return nil, fmt.Errorf("write at %d: %w", written, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("write at %d made no progress", written)
		}
		written += int64(n)
	}
	if err := h.Sync(ctx); err != nil {
		return nil, err
	}
	results = append(results, benchResult{"write", written, time.Since(start)})

	readBuf := make([]byte, block)
	h.Seek(0)
	start = time.Now()
	var read int64
	for {
		n, err := h.Read(ctx, readBuf)
		if err != nil {
			return nil, fmt.Errorf("read at %d: %w", read, err)
		}
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if readBuf[i] != buf[(read+int64(i))%int64(block)] {
				return nil, fmt.Errorf("data mismatch at offset %d", read+int64(i))
			}
		}
		read += int64(n)
	}
	results = append(results, benchResult{"read", read, time.Since(start)})

	logger.Debug("Benchmark finished",
		zap.String("file", name),
		zap.Int64("written", written),
		zap.Int64("read", read))

	return results, nil
}

func renderBenchReport(info fsclient.FileInfo, results []benchResult, access benchAccess, block int) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6")).MarginBottom(1)
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Width(16)
	value := lipgloss.NewStyle().Foreground(lipgloss.Color("#F8F8F2")).Bold(true)

	layout := lipgloss.JoinVertical(lipgloss.Left,
		label.Render("file")+value.Render(info.Name),
		label.Render("size")+value.Render(humanize.IBytes(uint64(info.Size))),
		label.Render("chunk size")+value.Render(humanize.IBytes(uint64(info.ChunkSize))),
		label.Render("stripe count")+value.Render(fmt.Sprintf("%d", info.StripeCount)),
		label.Render("container")+value.Render(fmt.Sprintf("%d of %d", info.Container, access.containers)),
		label.Render("capabilities")+value.Render(fmt.Sprintf("%s hits, %s misses",
			humanize.Comma(int64(access.hits)), humanize.Comma(int64(access.misses)))),
	)
	for _, g := range access.grants {
		layout = lipgloss.JoinVertical(lipgloss.Left, layout,
			label.Render("acl")+value.Render(fmt.Sprintf("%s: %s", g.Principal, g.Ops)))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00d2d3"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("PHASE", "BYTES", "TIME", "THROUGHPUT", "CALLS")

	for _, r := range results {
		rate := float64(r.bytes) / max(r.duration.Seconds(), 1e-9)
		calls := (r.bytes + int64(block) - 1) / int64(block)
		t.Row(
			r.phase,
			humanize.IBytes(uint64(r.bytes)),
			r.duration.Round(time.Millisecond).String(),
			humanize.IBytes(uint64(rate))+"/s",
			humanize.Comma(calls),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title.Render("📊 STRIPED I/O BENCHMARK"),
		layout,
		"",
		t.Render())
}
