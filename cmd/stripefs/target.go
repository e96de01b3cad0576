package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stripefs/pkg/authz"
	"stripefs/pkg/config"
	"stripefs/pkg/metrics"
	"stripefs/pkg/node"
	"stripefs/pkg/types"
	"stripefs/pkg/utils"
)

func targetCmd() *cobra.Command {
	var (
		targetID    uint32
		address     string
		dataDir     string
		capacity    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "target",
		Short: "Run a storage target",
		Long: `Serve one storage target. With a config file the target is looked up by --id
in the targets list; flags override the address and data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			target := config.TargetConfig{TargetID: types.TargetID(targetID)}
			for _, t := range cfg.Targets {
				if t.TargetID == target.TargetID {
					target = t
				}
			}
			if cmd.Flags().Changed("address") || target.Address == "" {
				target.Address = address
			}
			if cmd.Flags().Changed("data-dir") || target.DataDir == "" {
				target.DataDir = dataDir
			}
			if cmd.Flags().Changed("capacity") || target.StorageCapacity == 0 {
				size, err := utils.ParseDataSize(capacity)
				if err != nil {
					return fmt.Errorf("invalid capacity: %w", err)
				}
				target.StorageCapacity = size
			}

			var verifier authz.Verifier
			if cfg.Capability.SigningKey != "" {
				signer, err := authz.NewTokenSigner([]byte(cfg.Capability.SigningKey), cfg.Capability.TTL)
				if err != nil {
					return err
				}
				verifier = signer
			} else {
				logger.Warn("No capability signing key configured, accepting every request")
			}

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			storageTarget := node.NewWithAuth(&target, verifier, logger, m, cfg.Auth)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", zap.Error(err))
					}
				}()
			}

			// Handle shutdown gracefully
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down storage target")
				storageTarget.Stop()
			}()

			logger.Info("Starting storage target",
				zap.Uint32("target_id", uint32(target.TargetID)),
				zap.String("address", target.Address),
				zap.String("data_dir", target.DataDir),
				zap.String("capacity", humanize.IBytes(uint64(target.StorageCapacity))),
				zap.String("metrics", metricsAddr))

			return storageTarget.Start()
		},
	}

	cmd.Flags().Uint32Var(&targetID, "id", 0, "target identifier")
	cmd.Flags().StringVar(&address, "address", config.DefaultTargetAddress, "target listening address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for storing objects")
	cmd.Flags().StringVar(&capacity, "capacity", "1GiB", "storage capacity (e.g. 512MiB, 10GB)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "serve Prometheus metrics on this address")

	return cmd
}
