package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ayoto/extensions/internal/config"
	"github.com/ayoto/extensions/internal/extension"
	"github.com/ayoto/extensions/internal/extension/loader"
	"github.com/ayoto/extensions/internal/extension/signing"
	"github.com/ayoto/extensions/internal/extension/update"
	"github.com/ayoto/extensions/internal/kvstore"
)

func serveCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the extension host: load, watch, and update-check packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store kvstore.Store
			if cfg.RedisAddr != "" {
				rs, err := kvstore.DialRedis(ctx, cfg.RedisAddr)
				if err != nil {
					return err
				}
				defer rs.Close()
				store = rs
				logger.Info("using redis storage backend", "addr", cfg.RedisAddr)
			} else {
				store = kvstore.NewMemoryStore()
			}

			trusted, err := loadTrustedKeys(cfg.TrustedKeyFiles)
			if err != nil {
				return err
			}

			mgr := extension.NewManager(
				extension.WithLogger(logger),
				extension.WithStore(store),
				extension.WithHostVersion(cfg.HostVersion),
				extension.WithMaxExtensions(cfg.MaxExtensions),
				extension.WithStorageQuota(cfg.StorageQuotaBytes),
				extension.WithTrustedKeys(trusted...),
				extension.WithRequireSignature(cfg.RequireSignature),
			)
			defer mgr.Shutdown()

			ld := loader.New(mgr, cfg.ExtensionDir, logger)
			for _, res := range ld.LoadAll(ctx) {
				if !res.Success {
					logger.Warn("package rejected", "extension", res.ExtensionID, "errors", res.Errors)
				}
			}
			if cfg.WatchExtensions {
				if err := ld.Watch(ctx); err != nil {
					return err
				}
			}

			checker := update.NewChecker(mgr,
				update.WithLogger(logger),
				update.WithCacheTTL(cfg.UpdateCacheTTL),
			)
			checker.Subscribe(func(info update.UpdateInfo) {
				logger.Info("extension update available",
					"extension", info.ExtensionID,
					"current", info.CurrentVersion,
					"latest", info.LatestVersion,
					"download", info.DownloadURL)
			})
			if cfg.UpdateInterval > 0 {
				if err := checker.Start(cfg.UpdateInterval); err != nil {
					return err
				}
				defer checker.Stop()
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
				logger.Info("metrics listening", "addr", metricsAddr)
			}

			logger.Info("extension host running",
				"dir", cfg.ExtensionDir, "loaded", len(mgr.List()))
			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9321", "prometheus metrics listen address (empty to disable)")
	return cmd
}

func loadTrustedKeys(paths []string) ([]*ecdsa.PublicKey, error) {
	var keys []*ecdsa.PublicKey
	for _, p := range paths {
		pemData, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read trusted key %s: %w", p, err)
		}
		pub, err := signing.ParsePublicKey(string(pemData))
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", p, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}
