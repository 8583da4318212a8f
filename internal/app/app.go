// Package app wires the portal's components from a Config.  Both the HTTP
// server and portalctl build on it so they share one set of repositories,
// one change feed and one archiver.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/hajj-portal/internal/config"
	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/handler"
	"github.com/iliyamo/hajj-portal/internal/middleware"
	"github.com/iliyamo/hajj-portal/internal/queue"
	"github.com/iliyamo/hajj-portal/internal/repository"
	"github.com/iliyamo/hajj-portal/internal/router"
	"github.com/iliyamo/hajj-portal/internal/service"
	"github.com/iliyamo/hajj-portal/internal/storage"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

// TrackLogDir receives the track.completed event log.
const TrackLogDir = "logs"

// App holds every long-lived component.
type App struct {
	Cfg      config.Config
	Logger   *slog.Logger
	DB       *sql.DB
	Dialect  database.Dialect
	Registry *prometheus.Registry
	Redis    *redis.Client
	Bus      feed.Bus

	Users    *repository.UserRepo
	Tokens   *repository.TokenRepo
	Parts    *repository.PartRepo
	Settings *repository.SettingsRepo
	Tracks   *repository.TrackRepo
	Notes    *repository.NotificationRepo

	Metrics  *tracker.Metrics
	Notifier *tracker.Notifier
	Engine   *tracker.Engine
	Bridge   *tracker.Bridge
	Archiver *tracker.Archiver
	Cache    *middleware.RedisCache
	Events   *service.TrackPublisher
	Store    *storage.Store

	poll *feed.PollBus
}

// NewLogger builds the JSON logger at the configured level and installs it
// as the slog default.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}))
	slog.SetDefault(logger)
	return logger
}

// Open connects to the database and builds the repositories.  It does not
// touch Redis, the broker or the bucket; portalctl's schema commands stop
// here.
func Open(cfg config.Config, logger *slog.Logger) (*App, error) {
	db, dialect, err := database.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &App{
		Cfg:      cfg,
		Logger:   logger,
		DB:       db,
		Dialect:  dialect,
		Users:    repository.NewUserRepo(db),
		Tokens:   repository.NewTokenRepo(db),
		Parts:    repository.NewPartRepo(db, dialect),
		Settings: repository.NewSettingsRepo(db, dialect),
		Tracks:   repository.NewTrackRepo(db),
		Notes:    repository.NewNotificationRepo(db),
	}, nil
}

// Prepare applies the schema and seeds the part grid and default settings.
// Both steps are idempotent.
func (a *App) Prepare(ctx context.Context) error {
	if err := database.Migrate(ctx, a.DB, a.Dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := a.Parts.Seed(ctx, a.Cfg.Tracker.Parts); err != nil {
		return fmt.Errorf("seed parts: %w", err)
	}
	if err := a.Settings.SeedDefaults(ctx, a.Cfg.Tracker.DefaultTrackName, time.Now()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// New opens the database and builds the full component graph.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	a, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Redis = config.NewRedisClient(cfg.Redis)
	if a.Redis == nil && !cfg.Redis.Disabled {
		logger.Warn("redis unreachable, rate limiting and response cache disabled", "addr", cfg.Redis.Address())
	}
	a.Bus = a.newBus()

	a.Metrics = tracker.NewMetrics(a.Registry)
	a.Notifier = tracker.NewNotifier(a.Notes, a.Bus)
	a.Engine = tracker.NewEngine(a.Parts, a.Bus,
		tracker.WithNotifier(a.Notifier),
		tracker.WithMetrics(a.Metrics),
		tracker.WithLogger(logger),
	)
	a.Bridge = tracker.NewBridge(a.Parts, a.Settings, a.Bus, cfg.Tracker.DefaultTrackName, a.Metrics, logger)
	a.Cache = middleware.NewRedisCache(cfg.Cache, a.Redis, logger)
	a.Events = service.NewTrackPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, logger)

	deps := tracker.ArchiverDeps{
		Bus:         a.Bus,
		Notifier:    a.Notifier,
		Cache:       a.Cache,
		CachePrefix: a.Cache.RoutePrefix(router.HistoryRoute),
		Metrics:     a.Metrics,
		Logger:      logger,
	}
	if a.Events.Enabled() {
		deps.Events = a.Events
	}
	a.Archiver = tracker.NewArchiver(tracker.SQLBeginner{DB: a.DB}, a.Parts, a.Settings, a.Tracks, cfg.Tracker.DefaultTrackName, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Store, err = storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return a, nil
}

func (a *App) newBus() feed.Bus {
	cfg := a.Cfg.Feed
	switch strings.ToLower(cfg.Driver) {
	case "redis":
		if a.Redis != nil {
			return feed.NewRedisBus(a.Redis, cfg.Channel, a.Registry, a.Logger)
		}
		a.Logger.Warn("redis feed requested but redis is unavailable, using in-process feed")
	case "poll":
		a.poll = feed.NewPollBus(repository.NewFeedProbe(a.DB), cfg.PollInterval,
			[]string{feed.TableParts, feed.TableSettings, feed.TableTracks, feed.TableNotifications},
			a.Registry, a.Logger)
		return a.poll
	}
	return feed.NewMemoryBus(a.Registry, a.Logger)
}

// Routes registers every HTTP endpoint on e.
func (a *App) Routes(e *echo.Echo) {
	secret := a.Cfg.Auth.JWTSecret
	files := handler.NewFilesHandler(a.Store)
	limiter := middleware.NewTokenBucket(a.Cfg.RateLimit, a.Redis, a.Logger)

	router.RegisterRoutes(e, a.DB)
	router.RegisterAuth(e, handler.NewAuthHandler(a.Cfg.Auth, a.Users, a.Tokens), secret)
	router.RegisterTracker(e,
		handler.NewPartsHandler(a.Engine, a.Bridge, a.Settings, a.Cfg.Tracker.DefaultTrackName),
		secret, a.Cfg.Cookie, limiter)
	router.RegisterNotifications(e, handler.NewNotificationsHandler(a.Notes, a.Bus), secret)
	router.RegisterFiles(e, files)
	router.RegisterAdmin(e,
		handler.NewAdminHandler(a.Archiver, a.Parts, a.Settings, a.Tracks, a.Users, a.Cfg.Tracker.DefaultTrackName),
		files, secret, a.Cache)
}

// Run keeps the snapshot bridge, the poller and the event consumer going
// until ctx ends.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Bridge.Run(gctx) })
	if a.poll != nil {
		g.Go(func() error { return untilDone(a.poll.Run(gctx)) })
	}
	if a.Cfg.AMQP.URL != "" {
		g.Go(func() error {
			return untilDone(queue.StartTrackConsumer(gctx, a.Cfg.AMQP.URL, a.Cfg.AMQP.Queue, TrackLogDir, a.Logger))
		})
	}
	return g.Wait()
}

// untilDone drops the cancellation error workers return on shutdown.
func untilDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases the feed, Redis and the database.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
