package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/folders"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/ingest"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":       "log_level",
	"workers":         "workers",
	"batch-size":      "batch_size",
	"sync-interval":   "sync_interval",
	"sync-on-start":   "sync_on_start",
	"attachments-dir": "attachments_dir",
	"idle":            "idle_enabled",
	"imap-timeout":    "imap_timeout",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailbox synchronization engine",
		Long:          "Mirrors IMAP mailboxes into PostgreSQL: folders, mails, reply chains and attachments.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Int("workers", 4, "Maximum number of mailboxes synced at once")
	flags.Int("batch-size", 50, "Messages downloaded per fetch")
	flags.Duration("sync-interval", 24*time.Hour, "Time between full sync cycles")
	flags.Bool("sync-on-start", false, "Run a full cycle right after starting")
	flags.String("attachments-dir", "data/attachments", "Directory attachments are extracted to")
	flags.Bool("idle", false, "Watch every INBOX with IDLE and sync on new mail")
	flags.Duration("imap-timeout", 30*time.Second, "Maximum wait for an IMAP server reply (0 disables)")

	root.AddCommand(newRunCmd(), newSyncCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.New(cfg.Environment, cfg.LogLevel)
			pool, err := db.NewConnection(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.CloseConnection(pool)

			e, err := newEngine(cfg, pool, log)
			if err != nil {
				return err
			}
			return e.run(ctx)
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [mailbox-id...]",
		Short: "Sync the given mailboxes once, or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.New(cfg.Environment, cfg.LogLevel)
			pool, err := db.NewConnection(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.CloseConnection(pool)

			e, err := newEngine(cfg, pool, log)
			if err != nil {
				return err
			}

			report, err := e.syncOnce(ctx, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %d, skipped %d, failed %d in %s\n",
				report.Started, report.Skipped, report.Failed, report.Duration.Round(time.Millisecond))
			if report.Failed > 0 {
				return fmt.Errorf("%d mailbox syncs failed", report.Failed)
			}
			return nil
		},
	}
}

// loadConfig reads the environment and lets set flags override it.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// engine is the wired sync stack.
type engine struct {
	cfg       *config.Config
	store     *db.Store
	service   *imap.Service
	pool      *scheduler.WorkerPool
	scheduler *scheduler.Scheduler
	resolver  *credentials.Resolver
	log       zerolog.Logger
}

func newEngine(cfg *config.Config, dbPool *pgxpool.Pool, log zerolog.Logger) (*engine, error) {
	vault, err := crypto.NewVault(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	store := db.NewStore(dbPool)
	builder := folders.NewBuilder(store, log)
	extractor := ingest.NewExtractor(afero.NewOsFs(), cfg.AttachmentsDir, log)
	pipeline := ingest.NewPipeline(store, builder, extractor, log)

	var tokens credentials.TokenService
	if cfg.OAuthClientID != "" {
		tokens = credentials.NewOAuthTokenService(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, cfg.OAuthUserInfoURL)
	}
	resolver := credentials.NewResolver(vault, store, tokens, log)

	service := imap.NewService(store, builder, pipeline, resolver, cfg.BatchSize, log)
	workers := scheduler.NewWorkerPool(cfg.Workers, func(int) imap.ProtocolSession {
		sess := imap.NewSession(log)
		sess.CommandTimeout = cfg.IMAPTimeout
		return sess
	})
	sched := scheduler.New(service, store, workers, scheduler.Options{
		Interval:    cfg.SyncInterval,
		SyncOnStart: cfg.SyncOnStart,
	}, log)

	return &engine{
		cfg:       cfg,
		store:     store,
		service:   service,
		pool:      workers,
		scheduler: sched,
		resolver:  resolver,
		log:       log,
	}, nil
}

// run starts the scheduler, plus the IDLE watcher when enabled, and blocks until ctx is done.
func (e *engine) run(ctx context.Context) error {
	e.scheduler.Start(ctx)

	idleDone := make(chan struct{})
	if e.cfg.IdleEnabled {
		ids, err := e.store.ListMailboxIDs(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to list mailboxes for IDLE")
			close(idleDone)
		} else {
			watcher := imap.NewIdleWatcher(e.store, e.resolver, e.scheduler, e.log)
			go func() {
				defer close(idleDone)
				watcher.Run(ctx, ids)
			}()
		}
	} else {
		close(idleDone)
	}

	e.log.Info().
		Str("environment", e.cfg.Environment).
		Int("workers", e.cfg.Workers).
		Bool("idle", e.cfg.IdleEnabled).
		Msg("Mail sync engine running")

	<-ctx.Done()
	e.log.Info().Msg("Shutting down gracefully...")

	if err := e.scheduler.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("scheduler did not stop: %w", err)
	}

	select {
	case <-idleDone:
	case <-time.After(shutdownTimeout):
		e.log.Warn().Msg("IDLE listeners did not stop within timeout")
	}
	return nil
}

// syncOnce runs one cycle over ids, or over every mailbox when ids is empty.
func (e *engine) syncOnce(ctx context.Context, ids []string) (scheduler.CycleReport, error) {
	if len(ids) == 0 {
		all, err := e.store.ListMailboxIDs(ctx)
		if err != nil {
			return scheduler.CycleReport{}, fmt.Errorf("failed to list mailboxes: %w", err)
		}
		ids = all
	}

	defer e.pool.Close()
	return e.scheduler.RunCycle(ctx, ids), nil
}
