package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"verse-sync/internal/auth"
	"verse-sync/internal/config"
	"verse-sync/internal/handlers"
	httpapi "verse-sync/internal/http"
	"verse-sync/internal/logging"
	"verse-sync/internal/middleware"
	"verse-sync/internal/repos"
	"verse-sync/internal/services"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncserver",
		Short:         "Verse sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}
	cmd.Version = Version
	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd(), newCompactCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			repo, err := openRepo(cfg)
			if err != nil {
				return err
			}
			defer repo.DB().Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access/refresh token pair for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			userID = strings.TrimSpace(userID)
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg := config.Load()
			issuer := auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL, cfg.RefreshTTL)
			pair, err := issuer.Issue(userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}
	cmd.Flags().String("user", "", "user id to issue the token for")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Purge acknowledged tombstones once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			repo, err := openRepo(cfg)
			if err != nil {
				return err
			}
			defer repo.DB().Close()
			c := services.NewCompactor(repo, compactorConfig(cfg), logging.New(cfg.LogLevel))
			n, err := c.CompactOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d tombstones\n", n)
			return nil
		},
	}
}

func openRepo(cfg config.Config) (*repos.SyncRepo, error) {
	db, dialect, err := repos.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repos.Migrate(db, dialect, repos.MigrationsDirFor(cfg.MigrationsDir, dialect)); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repos.NewSyncRepoWithDialect(db, dialect), nil
}

func compactorConfig(cfg config.Config) services.CompactorConfig {
	return services.CompactorConfig{
		Retention:    cfg.TombstoneRetention,
		DeviceExpiry: cfg.DeviceExpiry,
		Interval:     cfg.CompactInterval,
	}
}

func serve(cfg config.Config) error {
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Close()

	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.DB().Close()

	issuer := auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if !issuer.Enabled() {
		logger.Warnf("SYNC_TOKEN_SECRET is empty, accepting %s header without authentication", middleware.DevUserHeader)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)

	svc := services.NewSyncService(repo, nil)
	h := handlers.NewSyncHandler(svc, issuer, logger)
	router := httpapi.NewRouter(cfg, h, httpapi.Options{Issuer: issuer, Limiter: limiter, Logger: logger})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go services.NewCompactor(repo, compactorConfig(cfg), logger).Run(ctx)
	go sweepLimiter(ctx, limiter, cfg.RateWindow)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("syncserver %s listening on :%s (db=%s)", Version, cfg.Port, repo.Dialect())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Infof("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func sweepLimiter(ctx context.Context, l *middleware.RateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}
