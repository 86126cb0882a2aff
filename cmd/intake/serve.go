package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/estatehub/intake/internal/channel"
	"github.com/estatehub/intake/internal/channel/adapters/telegram"
	"github.com/estatehub/intake/internal/config"
	"github.com/estatehub/intake/internal/db"
	"github.com/estatehub/intake/internal/handlers"
	"github.com/estatehub/intake/internal/healthcheck"
	sessionchecker "github.com/estatehub/intake/internal/healthcheck/checkers/session"
	"github.com/estatehub/intake/internal/intake"
	"github.com/estatehub/intake/internal/logger"
	"github.com/estatehub/intake/internal/media"
	"github.com/estatehub/intake/internal/server"
	"github.com/estatehub/intake/internal/storage/postgres"
	"github.com/estatehub/intake/internal/storage/seed"
)

const reconcileTimeout = 2 * time.Minute

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session manager and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe(configPath())
			return nil
		},
	}
}

func runServe(configPath string) {
	fx.New(
		fx.Provide(
			func() (config.Config, error) { return loadConfig(configPath) },
			provideLogger,
			provideDBConn,
			postgres.NewStore,
			provideSessionStore,
			provideTelegramAdapter,
			provideChannelManager,
			provideIntakeService,
			provideMediaService,
			provideHealthChecker,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideSessionsHandler),
			provideServerHandler(provideFilesHandler),
			provideServerHandler(provideWebhookHandler),
			provideServer,
		),
		fx.Invoke(
			wireDispatcher,
			startChannelManager,
			startReconcileSchedule,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.AutoMigrate {
		if err := db.Migrate(cfg.Postgres, db.Up); err != nil {
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		log.Info("database schema is current")
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideSessionStore(log *slog.Logger, cfg config.Config, store *postgres.Store) (channel.SessionStore, error) {
	seeded, err := seed.Load(cfg.Sessions.SeedFile)
	if err != nil {
		return nil, err
	}
	if len(seeded) > 0 {
		log.Info("seed sessions loaded", slog.Int("count", len(seeded)), slog.String("file", cfg.Sessions.SeedFile))
	}
	return seed.NewStore(store, seeded), nil
}

func provideTelegramAdapter(log *slog.Logger, cfg config.Config) *telegram.Adapter {
	return telegram.NewAdapter(log, telegram.Config{
		APIEndpoint:       cfg.Telegram.APIEndpoint,
		FileEndpoint:      cfg.Telegram.FileEndpoint,
		RequestTimeout:    cfg.Telegram.RequestTimeoutDuration(),
		SendRatePerSecond: cfg.Telegram.SendRatePerSecond,
	})
}

func provideChannelManager(log *slog.Logger, cfg config.Config, adapter *telegram.Adapter, store channel.SessionStore) *channel.Manager {
	manager := channel.NewManager(log, adapter, store, channel.PollerConfig{
		LongPollTimeout: cfg.Telegram.LongPollTimeoutSeconds,
		Limit:           cfg.Telegram.UpdateLimit,
		Interval:        cfg.Telegram.PollIntervalDuration(),
		SettleInterval:  cfg.Telegram.SettleIntervalDuration(),
	})
	manager.SetOutboundPolicy(channel.DefaultOutboundPolicy())
	return manager
}

func provideIntakeService(log *slog.Logger, store *postgres.Store) *intake.Service {
	return intake.NewService(log, store, store)
}

func provideMediaService(log *slog.Logger, cfg config.Config, manager *channel.Manager) *media.Service {
	relays := make([]media.Relay, 0, len(cfg.Files.Relays))
	for _, relay := range cfg.Files.Relays {
		relays = append(relays, media.Relay{Name: relay.Name, Template: relay.Template})
	}
	client := &http.Client{Timeout: cfg.Telegram.RequestTimeoutDuration()}
	return media.NewService(log, manager, relays, client, cfg.Files.MaxBytes)
}

func provideHealthChecker(log *slog.Logger, manager *channel.Manager) healthcheck.Checker {
	return healthcheck.NewAggregate(sessionchecker.NewChecker(log, manager))
}

func providePingHandler(log *slog.Logger, manager *channel.Manager) *handlers.PingHandler {
	return handlers.NewPingHandler(log, manager)
}

func provideSessionsHandler(log *slog.Logger, cfg config.Config, manager *channel.Manager, checker healthcheck.Checker) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, manager, checker, cfg.Sessions.Scope)
}

func provideFilesHandler(log *slog.Logger, mediaService *media.Service, manager *channel.Manager) *handlers.FilesHandler {
	return handlers.NewFilesHandler(log, mediaService, manager)
}

func provideWebhookHandler(log *slog.Logger, manager *channel.Manager) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, manager)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func wireDispatcher(log *slog.Logger, manager *channel.Manager, intakeService *intake.Service) {
	manager.SetUpdateHandler(channel.NewDispatcher(log, manager, intakeService))
}

func startChannelManager(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, manager *channel.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := manager.LoadActiveSessions(ctx, cfg.Sessions.Scope); err != nil {
				log.Warn("some sessions failed to start", slog.Any("error", err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error { return manager.Shutdown(ctx) },
	})
}

func startReconcileSchedule(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, manager *channel.Manager) error {
	spec := cfg.Sessions.ReconcileSchedule
	if spec == "" || spec == "off" {
		return nil
	}
	scheduler := cron.New()
	scope := cfg.Sessions.Scope
	if _, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		if err := manager.Reconcile(ctx, scope); err != nil {
			log.Warn("session reconcile finished with errors", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { scheduler.Start(); return nil },
		OnStop: func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting intake %s\n", version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeoutDuration())
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
