// stashguard is a self-hosted backup orchestration service: scheduled
// full and incremental backups of a database and filesystem roots, with
// encryption, verification, and retention.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stashguard/stashguard/internal/api"
	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/backup/databases"
	"github.com/stashguard/stashguard/internal/config"
	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/metrics"
	"github.com/stashguard/stashguard/internal/models"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "stashguard",
		Short:         "Backup orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newBackupCmd(), newVerifyCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// runtime holds the assembled service components.
type runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *db.Store
	keys      *crypto.KeyManager
	executor  *backup.Executor
	verifier  *backup.Verifier
	retention *backup.RetentionManager
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	progress  *backup.FanoutSink
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.BackupDir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	store, err := db.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	keys := crypto.NewKeyManager(logger)
	if cfg.EncryptionPassword != "" {
		if _, err := keys.AddPassword(cfg.EncryptionPassword); err != nil {
			store.Close()
			return nil, fmt.Errorf("register encryption key: %w", err)
		}
	}

	archiver, err := backup.NewArchiveBuilder(cfg.CompressionLevel, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	progress := backup.NewFanoutSink()

	var mirror backup.Uploader
	if cfg.S3.Bucket != "" {
		s3mirror, err := backup.NewS3Mirror(ctx, cfg.S3, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("s3 mirror unavailable, cloud locations will downgrade to local")
		} else {
			mirror = s3mirror
		}
	}

	dumper := databases.NewPostgresDumper(cfg.DatabaseDSN, 0, logger)

	executor := backup.NewExecutor(backup.ExecutorOptions{
		Store:    store,
		Scanner:  backup.NewScanner(logger),
		Archiver: archiver,
		Keys:     keys,
		Dump:     dumper.Dump,
		Mirror:   mirror,
		Sink:     progress,
		Metrics:  m,
		Config: backup.ExecutorConfig{
			BackupDir:    cfg.BackupDir,
			Roots:        cfg.Roots,
			Excludes:     cfg.Excludes,
			MinFreeBytes: cfg.MinFreeBytes,
		},
		Logger: logger,
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		keys:      keys,
		executor:  executor,
		verifier:  backup.NewVerifier(store, keys, m, logger),
		retention: backup.NewRetentionManager(store, m, logger),
		metrics:   m,
		registry:  registry,
		progress:  progress,
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backup service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			scheduler := backup.NewScheduler(backup.SchedulerOptions{
				Store:      rt.store,
				Executor:   rt.executor,
				Retention:  rt.retention,
				AutoBackup: rt.cfg.AutoBackup,
				Metrics:    rt.metrics,
				Logger:     rt.logger,
			})
			scheduler.Start(ctx)
			defer scheduler.Stop()

			router := api.NewRouter(api.Services{
				Store:     rt.store,
				Executor:  rt.executor,
				Verifier:  rt.verifier,
				Progress:  rt.progress,
				Registry:  rt.registry,
				BackupDir: rt.cfg.BackupDir,
				Logger:    rt.logger,
			})

			srv := &http.Server{
				Addr:              rt.cfg.ListenAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rt.logger.Info().Str("addr", rt.cfg.ListenAddr).Str("version", version).Msg("service listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			rt.logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newBackupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup operations",
	}

	var (
		name          string
		kind          string
		location      string
		encrypted     bool
		retentionDays int
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a one-shot backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			if name == "" {
				name = "manual-" + time.Now().UTC().Format("2006-01-02-1504")
			}
			b, err := rt.executor.ExecuteSync(ctx, backup.Request{
				Name:          name,
				Kind:          models.BackupKind(kind),
				Location:      models.StorageLocation(location),
				Encrypted:     encrypted,
				RetentionDays: retentionDays,
				CreatedBy:     "cli",
			})
			if err != nil {
				return err
			}
			fmt.Printf("backup %s completed: %s (%d bytes)\n", b.ID, b.FilePath, b.SizeBytes)
			return nil
		},
	}
	runCmd.Flags().StringVar(&name, "name", "", "backup name")
	runCmd.Flags().StringVar(&kind, "kind", "full", "backup kind: full, incremental, differential")
	runCmd.Flags().StringVar(&location, "location", "local", "storage location: local, cloud, hybrid")
	runCmd.Flags().BoolVar(&encrypted, "encrypted", false, "encrypt the archive")
	runCmd.Flags().IntVar(&retentionDays, "retention-days", 30, "retention window in days")

	backupCmd.AddCommand(runCmd)
	return backupCmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify all completed backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			result, err := rt.verifier.VerifyAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("verified %d backups: %d valid, %d invalid\n", result.Total, result.Valid, result.Invalid)
			for _, e := range result.Errors {
				fmt.Println("  -", e)
			}
			if result.Invalid > 0 {
				return fmt.Errorf("%d backups failed verification", result.Invalid)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("stashguard", version)
		},
	}
}
