package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/clock"
	"arena-service/internal/config"
	"arena-service/internal/connquality"
	"arena-service/internal/domain"
	"arena-service/internal/infra/memory"
	"arena-service/internal/infra/postgres"
	infraredis "arena-service/internal/infra/redis"
	"arena-service/internal/logging"
	"arena-service/internal/matchmaking"
	"arena-service/internal/problem"
	"arena-service/internal/teamqueue"
	transport "arena-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the arena server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var results app.ResultRepository = memory.NewResultStore()
	var loader memory.RatingLoader = memory.NewStaticRatingLoader(nil)
	if cfg.Postgres.URL != "" {
		db := openBun(cfg.Postgres.URL)
		defer db.Close()
		if err := migrateDB(ctx, db, log); err != nil {
			return err
		}
		results = postgres.NewResultStore(db)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		loader = postgres.NewRatingLoader(pool)
	}

	ratingTTL := config.Duration(cfg.Ratings.TTL, 10*time.Minute)
	var (
		ratings  app.RatingRepository
		registry app.MatchRegistry
		mirror   *infraredis.MatchRegistry
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		ratings = infraredis.NewRatingRepository(client, loader, ratingTTL)
		mirror = infraredis.NewMatchRegistry(client, config.Duration(cfg.Redis.TTL, 10*time.Minute))
		registry = mirror
	} else {
		ratings = memory.NewRatingRepository(loader, ratingTTL)
		registry = memory.NewMatchRegistry()
	}

	category := domain.OperationCategory(cfg.Match.Category)
	if !category.Valid() {
		category = domain.CategoryMixed
	}
	defaultRating := config.Float(cfg.Ratings.Default, 1200)
	defaults := app.DefaultSessionConfig()
	sessionCfg := app.SessionConfig{
		MinPlayers:            config.Int(cfg.Match.MinPlayers, defaults.MinPlayers),
		MaxPlayers:            config.Int(cfg.Match.MaxPlayers, defaults.MaxPlayers),
		Duration:              config.Duration(cfg.Match.Duration, defaults.Duration),
		StartDelay:            config.Duration(cfg.Match.StartDelay, defaults.StartDelay),
		ReconnectGrace:        config.Duration(cfg.Match.ReconnectGrace, defaults.ReconnectGrace),
		EndLinger:             config.Duration(cfg.Match.EndLinger, defaults.EndLinger),
		InitTimeout:           config.Duration(cfg.Match.InitTimeout, defaults.InitTimeout),
		MaxInitRecoveries:     config.Int(cfg.Match.MaxInitRecoveries, defaults.MaxInitRecoveries),
		PointsPerCorrect:      config.Int(cfg.Match.PointsPerCorrect, defaults.PointsPerCorrect),
		ConnectionStatesEvery: config.Int(cfg.Connection.StatesEveryTicks, defaults.ConnectionStatesEvery),
	}
	monitor := connquality.NewMonitor(connquality.Thresholds{
		Good:     config.Duration(cfg.Connection.GoodBelow, connquality.DefaultThresholds.Good),
		Degraded: config.Duration(cfg.Connection.DegradedBelow, connquality.DefaultThresholds.Degraded),
	}, config.Int(cfg.Connection.Window, connquality.DefaultWindow))

	matches := app.NewMatchService(registry, results, ratings, problem.NewGenerator(time.Now().UnixNano()),
		app.WithLogger(log.Named("match")),
		app.WithSessionConfig(sessionCfg),
		app.WithMonitor(monitor),
		app.WithDefaultCategory(category),
		app.WithDefaultRating(defaultRating),
	)

	queueDefaults := teamqueue.DefaultConfig()
	opponents := matchmaking.NewQueue(matchmaking.Options{
		BaseWindow: config.Float(cfg.Queue.RatingWindow, matchmaking.DefaultOptions.BaseWindow),
		Growth:     config.Float(cfg.Queue.WindowGrowth, matchmaking.DefaultOptions.Growth),
		MaxWindow:  config.Float(cfg.Queue.MaxRatingWindow, matchmaking.DefaultOptions.MaxWindow),
	}, time.Now)
	orchestrator := teamqueue.NewOrchestrator(teamqueue.Config{
		SelectionTimeout: config.Duration(cfg.Queue.SelectionTimeout, queueDefaults.SelectionTimeout),
		PollInterval:     config.Duration(cfg.Queue.PollInterval, queueDefaults.PollInterval),
		FoundLinger:      config.Duration(cfg.Queue.FoundLinger, queueDefaults.FoundLinger),
		Category:         category,
		DefaultRating:    defaultRating,
	}, clock.Real{}, ratings, opponents, matches, log.Named("teamqueue"))

	handler := transport.SetupRoutes(matches, orchestrator, transport.HandlerConfig{
		PingInterval:      config.Duration(cfg.Connection.PingInterval, 2*time.Second),
		MessagesPerSecond: config.Float(cfg.Limits.MessagesPerSecond, 15),
		Burst:             config.Int(cfg.Limits.Burst, 30),
	}, log.Named("ws"))

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	shutdownTimeout := config.Duration(cfg.Server.ShutdownTimeout, 5*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting arena service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if mirror != nil {
		g.Go(func() error {
			mirrorLoop(gctx, mirror, config.Duration(cfg.Redis.Refresh, 15*time.Second), log)
			return nil
		})
	}
	return g.Wait()
}

// mirrorLoop keeps live match liveness keys and snapshots fresh in Redis.
func mirrorLoop(ctx context.Context, mirror *infraredis.MatchRegistry, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mirror.Refresh(ctx)
			if err != nil {
				log.Warn("match mirror refresh failed", zap.Error(err))
				continue
			}
			log.Debug("match mirror refreshed", zap.Int("matches", n))
		}
	}
}
