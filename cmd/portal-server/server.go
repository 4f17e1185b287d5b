package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicportal/portal/internal/config"
	"github.com/clinicportal/portal/internal/domain/weekview"
	"github.com/clinicportal/portal/internal/platform/auth"
	"github.com/clinicportal/portal/internal/platform/cache"
	"github.com/clinicportal/portal/internal/platform/db"
	"github.com/clinicportal/portal/internal/platform/middleware"
	"github.com/clinicportal/portal/internal/platform/realtime"
	"github.com/clinicportal/portal/internal/platform/tz"
	"github.com/clinicportal/portal/internal/platform/websocket"
)

const (
	requestTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// newWeekService wires the repositories and zone resolver into the week
// builder. names may be nil to skip the display-name cache.
func newWeekService(cfg *config.Config, pool *pgxpool.Pool, names weekview.NameCache, logger zerolog.Logger) (*weekview.Service, error) {
	zones, err := tz.NewResolver(weekview.NewZoneStorePG(pool), cfg.DefaultZone, logger)
	if err != nil {
		return nil, err
	}

	clients := weekview.NewClientDirectoryPG(pool)
	if names != nil {
		clients = weekview.NewCachedClientDirectory(clients, names, logger)
	}

	return weekview.NewService(
		weekview.NewAvailabilityRepoPG(pool),
		weekview.NewAppointmentRepoPG(pool),
		weekview.NewExternalEventRepoPG(pool),
		clients,
		zones,
		weekview.TimeRange{StartHour: cfg.ViewStartHour, EndHour: cfg.ViewEndHour},
		logger,
	), nil
}

// authMiddleware picks the authenticator for the resolved auth mode.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "development":
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	case "hmac":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		})
	}
}

// routes are the pieces newEcho mounts.
type routes struct {
	weeks  *weekview.Handler
	ws     *websocket.WebSocketHandler
	pool   *pgxpool.Pool
	checks []db.Check
}

func newEcho(cfg *config.Config, r routes, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, weekview.TimeZoneHeader},
	}))
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(r.pool, r.checks...))

	if r.ws != nil {
		r.ws.RegisterRoutes(e.Group(""))
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	apiV1.Use(db.ScopeMiddleware(auth.UserIDFromContext))
	r.weeks.RegisterRoutes(apiV1)
	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.IsDev() {
		logger.Warn().Msg("development auth mode: every request is treated as an admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var (
		names  weekview.NameCache
		checks []db.Check
	)
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			// Names still resolve from PostgreSQL without the cache.
			logger.Warn().Err(err).Msg("redis unavailable, client name cache disabled")
		} else {
			defer rdb.Close()
			names = cache.NewNameCache(rdb, cfg.ClientNameTTL)
			checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}})
			logger.Info().Msg("connected to redis")
		}
	}

	svc, err := newWeekService(cfg, pool, names, logger)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	live := cfg.ChangeSource != "none"
	weeks, err := weekview.NewRegistry(svc, cfg.LiveWeeks, hub, live, logger)
	if err != nil {
		return err
	}

	source, err := realtime.NewSource(realtime.SourceConfig{
		Kind:     cfg.ChangeSource,
		Channel:  cfg.ChangeChannel,
		AMQPURL:  cfg.AMQPURL,
		Exchange: cfg.AMQPExchange,
		Queue:    cfg.AMQPQueue,
		Binding:  cfg.AMQPBinding,
	}, pool, logger)
	if err != nil {
		return err
	}
	dedup, err := realtime.NewDeduper(cfg.DedupCapacity, cfg.DedupWindow, time.Now)
	if err != nil {
		return err
	}
	notifier := realtime.NewNotifier(source, dedup, weeks, logger)

	e := newEcho(cfg, routes{
		weeks:  weekview.NewHandler(svc, weeks),
		ws:     websocket.NewWebSocketHandler(hub, weekview.AuthorizeTopic, cfg.CORSOrigins),
		pool:   pool,
		checks: checks,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notifier.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("change_source", cfg.ChangeSource).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
