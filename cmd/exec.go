package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ticket-engine/config"
	"ticket-engine/internal/credential"
	"ticket-engine/internal/services"
	"ticket-engine/internal/services/events"
	"ticket-engine/internal/services/ledger"
	"ticket-engine/internal/store/sqlstore"
	_ "ticket-engine/migrations"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

const sweepLeaseKey = "ticket-engine:sweep-lease"

// runtime holds everything built around one store for a process lifetime.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlstore.Store
	db      *dbx.DB // only for DATABASE_DRIVER=postgres
	redis   *redis.Client
	sink    events.Sink
	engine  *services.Engine
	sweeper *services.Sweeper
	relay   *services.EventRelay
}

func Start() error {
	cfg := config.LoadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	app := pocketbase.New()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	var (
		rt     *runtime
		cancel context.CancelFunc = func() {}
		group  *errgroup.Group
	)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		rt, err = newRuntime(ctx, e.App, cfg, logger)
		if err != nil {
			cancel()
			return err
		}

		group, ctx = errgroup.WithContext(ctx)
		group.Go(func() error { return rt.sweeper.Run(ctx) })
		group.Go(func() error { return rt.relay.Run(ctx) })
		if cfg.EnableMetrics {
			group.Go(func() error { return serveMetrics(ctx, cfg.MetricsPort, logger) })
		}

		e.Router.GET("/health", func(re *core.RequestEvent) error {
			if err := rt.health(re.Request.Context()); err != nil {
				return re.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return re.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		logger.Info("Ticket engine started",
			"database_driver", cfg.DatabaseDriver,
			"event_sink", cfg.EventSink,
			"redis", rt.redis != nil,
		)
		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if group != nil {
			if err := group.Wait(); err != nil {
				logger.Error("Background worker exited with error", "error", err)
			}
		}
		if rt != nil {
			rt.close()
		}
		return e.Next()
	})

	app.RootCmd.AddCommand(sweepCommand(app, cfg, logger))

	return app.Start()
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Environment == "development" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// sweepCommand runs a single expiry pass, for cron-style deployments that
// disable the in-process sweeper.
func sweepCommand(app core.App, cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale reservations and transfer offers once",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if cfg.DatabaseDriver == "pocketbase" {
				if err := app.RunAllMigrations(); err != nil {
					return fmt.Errorf("run migrations: %w", err)
				}
			}
			rt, err := newRuntime(ctx, app, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.sweeper.Sweep(ctx); err != nil {
				return err
			}
			_, err = rt.relay.Flush(ctx)
			return err
		},
	}
}

func newRuntime(ctx context.Context, app core.App, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	if err := rt.openStore(ctx, app); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		rt.redis, err = utils.NewRedisClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
	}

	// a nil *redis.Client must not reach FromConfig as a non-nil interface
	var rdb redis.Cmdable
	if rt.redis != nil {
		rdb = rt.redis
	}
	rt.sink, err = events.FromConfig(cfg, rdb, logger)
	if err != nil {
		return nil, err
	}

	engineCfg := services.EngineConfig{SweepBatchSize: cfg.SweepBatchSize}

	if cfg.CredentialSecret != "" {
		engineCfg.Signer, err = credential.NewSigner([]byte(cfg.CredentialSecret))
		if err != nil {
			return nil, err
		}
	}

	if cfg.LedgerURL != "" {
		breaker := utils.NewCircuitBreaker("ownership-ledger", utils.WithBreakerLogger(logger))
		client, err := ledger.NewClient(ledger.ClientConfig{
			BaseURL: cfg.LedgerURL,
			APIKey:  cfg.LedgerAPIKey,
			HMACKey: cfg.LedgerHMACKey,
		}, breaker, logger)
		if err != nil {
			return nil, err
		}
		engineCfg.Ledger = client
	}

	policies, err := config.LoadPolicyBook(cfg.PolicyFile, cfg.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	engineCfg.Policies = policies

	opts := []services.Option{
		services.WithLogger(logger),
		services.WithMonitor(monitoring.NewMonitor()),
	}
	rt.engine = services.NewEngine(rt.store, engineCfg, opts...)

	var lease services.Leaser
	if rt.redis != nil {
		l, err := utils.NewRedisLease(rt.redis, sweepLeaseKey, cfg.SweepLeaseTTL)
		if err != nil {
			return nil, err
		}
		lease = l
	}
	rt.sweeper = services.NewSweeper(rt.engine.Reservations, rt.engine.Transfers, lease, cfg.SweepInterval, opts...)
	rt.relay = services.NewEventRelay(rt.store, rt.sink, cfg.OutboxInterval, cfg.OutboxBatchSize, opts...)

	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context, app core.App) error {
	switch rt.cfg.DatabaseDriver {
	case "pocketbase", "":
		rt.store = sqlstore.FromApp(app)
		return nil
	case "postgres":
		if rt.cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
		db, err := dbx.Open("postgres", rt.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		rt.db = db
		if err := sqlstore.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		rt.store, err = sqlstore.Open(db, sqlstore.DialectPostgres, rt.cfg.LockTimeout)
		return err
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", rt.cfg.DatabaseDriver)
	}
}

func (rt *runtime) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rt.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if rt.redis != nil {
		if err := utils.RedisHealthCheck(ctx, rt.redis); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (rt *runtime) close() {
	if rt.sink != nil {
		if err := rt.sink.Close(); err != nil {
			rt.logger.Warn("Failed to close event sink", "error", err)
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("Failed to close redis client", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("Failed to close database", "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, port string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
