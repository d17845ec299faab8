package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filebarn/filebarn/internal/api"
	"github.com/filebarn/filebarn/internal/config"
	"github.com/filebarn/filebarn/internal/derivative"
	"github.com/filebarn/filebarn/internal/gdrive"
	"github.com/filebarn/filebarn/internal/lifecycle"
	"github.com/filebarn/filebarn/internal/localdrive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/quota"
	"github.com/filebarn/filebarn/internal/signedurl"
	"github.com/filebarn/filebarn/internal/store"
	"github.com/filebarn/filebarn/internal/upload"
)

func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}

			if flagListen != "" {
				cfg.Server.Listen = flagListen
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := buildLogger(cfg.Logging)

	for _, dir := range []string{"files", "uploads", "derivatives"} {
		if err := os.MkdirAll(filepath.Join(cfg.Storage.Root, dir), 0o700); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
	}

	st, err := store.New(filepath.Join(cfg.Storage.Root, "filebarn.db"), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ceiling := func(string) int64 { return cfg.Quota.CeilingBytes }
	local := localdrive.New(cfg.Storage.Root, st, ceiling, logger)

	remote := gdrive.NewProvider(
		st, cfg.Remote.ClientID, cfg.Remote.ClientSecret, cfg.Remote.BaseURL, nil, logger,
	)

	providers := provider.NewResolver(local, remote)
	accountant := quota.New(providers, logger)

	maxFileSize, err := cfg.Upload.MaxFileSizeBytes()
	if err != nil {
		return err
	}

	uploads := upload.New(
		filepath.Join(cfg.Storage.Root, "uploads"),
		st, providers, accountant, maxFileSize, cfg.Upload.AllowedMimeTypes, logger,
	)

	derivatives := derivative.NewCache(
		filepath.Join(cfg.Storage.Root, "derivatives"), providers, logger,
	)

	lc := lifecycle.New(st, providers, derivatives, logger)

	var signer *signedurl.Signer

	if cfg.Signing.Enabled {
		expiry, expErr := cfg.Signing.ExpiryDuration()
		if expErr != nil {
			return expErr
		}

		signer = signedurl.New(cfg.Signing.Secret, expiry)
	}

	handler := api.NewHandler(st, providers, uploads, derivatives, lc, accountant, signer, logger)
	server := api.NewServer(cfg.Server.Listen, handler.Routes(), logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received", slog.String("listen", cfg.Server.Listen))

	shutdownTimeout, err := cfg.Server.ShutdownDuration()
	if err != nil {
		return err
	}

	shutdownCtx, cancel := shutdownContext(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

// shutdownContext bounds graceful shutdown. A zero timeout means wait for
// in-flight requests indefinitely.
func shutdownContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}

	return context.WithTimeout(parent, timeout)
}
