package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fuomag9/pulsebox/internal/api"
	"github.com/fuomag9/pulsebox/internal/auth"
	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/database"
	"github.com/fuomag9/pulsebox/internal/ingest"
	"github.com/fuomag9/pulsebox/internal/jobs"
	"github.com/fuomag9/pulsebox/internal/logging"
	"github.com/fuomag9/pulsebox/internal/oauth"
	"github.com/fuomag9/pulsebox/internal/tasks"
	"github.com/fuomag9/pulsebox/internal/websocket"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pulsebox",
		Short:         "Integration lifecycle engine for Gmail, Google Drive, Slack and HubSpot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newWorkerCmd(),
		newTokenCmd(),
	)
	return root
}

// bootstrap loads configuration and builds the logger and shared components
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var embeddedWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receivers and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			defer a.logger.Sync()

			return serve(a, embeddedWorker)
		},
	}

	cmd.Flags().BoolVar(&embeddedWorker, "worker", true, "process queued tasks in this process when REDIS_URL is set")
	return cmd
}

func serve(a *app, embeddedWorker bool) error {
	cfg, logger := a.cfg, a.logger

	if err := a.migrate(); err != nil {
		return err
	}

	queue, err := a.queue()
	if err != nil {
		return err
	}
	guard, err := a.replayGuard()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	hub := websocket.NewHub(cfg.JWTSecret, cfg.CORSOrigins, logger)
	refresher := a.refresher()

	pipeline := ingest.NewPipeline(a.registry, a.tokens, a.notifications, a.cipher, ingest.Options{
		PageSize:    cfg.SyncPageSize,
		Concurrency: cfg.WorkerConcurrency,
		Guard:       guard,
		Publisher:   hub,
	}, logger)

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.RegisterRefresh(cfg.Refresh.Schedule, refresher); err != nil {
		return err
	}
	if err := scheduler.RegisterCleanup(cfg.CleanupSchedule, a.notifications, cfg.NotificationRetention); err != nil {
		return err
	}
	if err := scheduler.RegisterRenewal(cfg.RenewalSchedule, func(ctx context.Context) (int, error) {
		return a.subscriptions.RenewExpiring(ctx, queue)
	}); err != nil {
		return err
	}

	router := api.NewRouter(cfg, api.Services{
		Registry:      a.registry,
		Tokens:        a.tokens,
		Notifications: a.notifications,
		Exchange:      oauth.NewExchangeService(a.registry, a.tokens, a.cipher, queue, logger),
		Pipeline:      pipeline,
		Refresher:     refresher,
		Hub:           hub,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.RedisURL != "" && embeddedWorker {
		worker, err := tasks.NewWorker(cfg.RedisURL, cfg.WorkerConcurrency, a.subscriptions, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return worker.Run(gctx) })
	}

	scheduler.Start()
	defer scheduler.Stop()

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withDB := func(fn func(a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			if a.db == nil {
				return errors.New("migrations require DATABASE_TYPE=postgres")
			}
			return fn(a)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withDB(func(a *app) error {
				if err := database.RunMigrations(a.db); err != nil {
					return err
				}
				a.logger.Info("migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1 step)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					steps = n
				}
				return withDB(func(a *app) error {
					if err := database.RollbackMigrations(a.db, steps); err != nil {
						return err
					}
					a.logger.Info("migrations rolled back", zap.Int("steps", steps))
					return nil
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: withDB(func(a *app) error {
				version, dirty, err := database.MigrationVersion(a.db)
				if err != nil {
					return err
				}
				fmt.Printf("version %d (dirty=%t)\n", version, dirty)
				return nil
			}),
		},
	)
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one token refresh sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			defer a.logger.Sync()

			if err := a.migrate(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			result, err := a.refresher().RunSweep(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued subscription tasks from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			defer a.logger.Sync()

			if a.cfg.RedisURL == "" {
				return errors.New("worker requires REDIS_URL")
			}

			worker, err := tasks.NewWorker(a.cfg.RedisURL, a.cfg.WorkerConcurrency, a.subscriptions, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return worker.Run(ctx)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDevelopment() {
				return errors.New("token signing is only available with ENVIRONMENT=development")
			}
			// Without a fixed secret each process generates its own
			if os.Getenv("JWT_SECRET") == "" {
				return errors.New("JWT_SECRET must be set so the server accepts the token")
			}

			token, err := auth.GenerateToken(cfg.JWTSecret, owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 2*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
