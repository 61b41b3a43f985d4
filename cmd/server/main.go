package main

import (
	"log"
	"net/http"

	"github.com/haatos/runsync/internal"
	"github.com/haatos/runsync/internal/handler"
	"github.com/haatos/runsync/internal/jenkins"
	"github.com/haatos/runsync/internal/service"
	"github.com/haatos/runsync/internal/settings"
	"github.com/haatos/runsync/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	_ "modernc.org/sqlite"
)

const (
	apiRate       = rate.Limit(50)
	apiBurst      = 100
	callbackRate  = rate.Limit(20)
	callbackBurst = 40
)

func main() {
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		log.Println("no .env file loaded:", err)
	}
	settings.Settings = settings.NewSettings()

	logger := newLogger(settings.Settings.LogLevel)
	defer logger.Sync()

	config, err := internal.LoadConfiguration(settings.Settings.ConfigPath)
	if err != nil {
		logger.Fatalw("failed to load configuration", "error", err)
	}
	if err := config.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}
	internal.Config = config

	rdb, err := store.InitDatabase(settings.Settings, true)
	if err != nil {
		logger.Fatalw("failed to open read database", "error", err)
	}
	defer rdb.Close()
	rwdb, err := store.InitDatabase(settings.Settings, false)
	if err != nil {
		logger.Fatalw("failed to open write database", "error", err)
	}
	defer rwdb.Close()
	if err := store.RunMigrations(rwdb); err != nil {
		logger.Fatalw("failed to run migrations", "error", err)
	}

	clock := clockwork.NewRealClock()
	scheduler, err := service.NewScheduler(clock, logger.Named("scheduler"))
	if err != nil {
		logger.Fatalw("failed to create scheduler", "error", err)
	}

	jenkinsClient := jenkins.NewClient(
		settings.Settings.JenkinsURL,
		settings.Settings.JenkinsUser,
		settings.Settings.JenkinsToken,
		config.Jenkins,
		logger.Named("jenkins"),
	)
	hub := service.NewHub(logger.Named("fanout"))
	executionSvc := service.NewExecutionService(
		store.NewExecutionSQLiteStore(rdb, rwdb),
		jenkinsClient,
		hub,
		config.Monitor,
		clock,
		logger.Named("executions"),
	)
	coordinator := service.NewSyncCoordinator(
		executionSvc,
		service.NewSyncRegistry(clock, config.Sync.StatusRetention),
		config.Sync,
		clock,
		logger.Named("sync"),
	)
	if err := coordinator.Schedule(scheduler); err != nil {
		logger.Fatalw("failed to schedule consistency sweep", "error", err)
	}
	scanner := service.NewStuckScanner(
		executionSvc,
		hub,
		config.Monitor,
		clock,
		logger.Named("scanner"),
	)
	if err := scanner.Start(scheduler); err != nil {
		logger.Fatalw("failed to start stuck execution scanner", "error", err)
	}
	scheduler.Start()

	wsH := handler.NewWebSocketHandler(
		hub, config.WebSocket, settings.Settings.AllowedOrigins, logger.Named("websocket"),
	)

	e := setupEcho(logger)
	api := e.Group("/api", middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig(apiRate, apiBurst)))
	handler.SetupExecutionRoutes(
		api,
		handler.NewExecutionHandler(executionSvc, coordinator, config.Sync.ExecutionTimeout),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig(callbackRate, callbackBurst)),
	)
	handler.SetupMonitorRoutes(api, handler.NewMonitorHandler(scanner, executionSvc, coordinator, hub))
	handler.SetupEventStreamRoutes(
		api,
		handler.NewEventStreamHandler(hub, config.WebSocket.PingInterval, logger.Named("sse")),
	)
	if config.WebSocket.Enabled {
		e.GET(config.WebSocket.Path, wsH.GetWebSocket)
	}

	logger.Infow("starting server",
		"port", settings.Settings.Port,
		"jenkins_url", settings.Settings.JenkinsURL,
		"callback_timeout", config.Sync.CallbackTimeout,
		"max_poll_attempts", config.Sync.MaxPollAttempts,
		"max_polling_duration", config.Sync.TotalPollingDuration(config.Sync.MaxPollAttempts),
	)

	internal.GracefulShutdown(e, settings.Settings.Port, logger,
		func() { scanner.Stop(scheduler) },
		coordinator.Shutdown,
		wsH.Close,
		func() {
			if err := scheduler.Shutdown(); err != nil {
				logger.Errorw("scheduler shutdown failed", "error", err)
			}
		},
	)
}

func newLogger(level string) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	return l.Sugar()
}

func setupEcho(logger *zap.SugaredLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger.Named("http"))
	e.Use(
		middleware.Recover(),
		handler.RequestLogger(logger.Named("http")),
		middleware.CORSWithConfig(internal.GetCORSConfig(settings.Settings.AllowedOrigins)),
	)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	return e
}
