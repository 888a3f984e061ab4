package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/filters"
	"edge-proxy-go/internal/handler"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/middleware"
	"edge-proxy-go/internal/origin"
	"edge-proxy-go/internal/pipeline"
	"edge-proxy-go/internal/proxy"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-proxy"),
		kong.Description("Filter-pipeline reverse proxy for HTTP origins."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewOriginClient,
			origin.NewManagerFromConfig,
			newEndpoint,
			newPipeline,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics bounds the origin label to the configured origins.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	names := make([]string, 0, len(cfg.Origins))
	for _, o := range cfg.Origins {
		names = append(names, o.Name)
	}
	return metrics.New(names...)
}

func newEndpoint(mgr *origin.Manager, logger *slog.Logger) filter.EndpointFilter {
	return proxy.NewEndpoint(mgr, logger)
}

func newPipeline(cfg *config.Config, endpoint filter.EndpointFilter, logger *slog.Logger, m *metrics.Metrics) (*pipeline.Driver, error) {
	d, err := pipeline.New(endpoint, filters.Stock(cfg, logger), pipeline.Options{
		IdleTimeout:   cfg.Pipeline.IdleTimeout(),
		OutboundQueue: cfg.Pipeline.OutboundQueue,
	}, logger, m)
	if err != nil {
		return nil, err
	}
	logger.Info("filter pipeline ready", "filters", d.Filters())
	return d, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays off so long streamed responses are not cut; the
	// pipeline idle timeout and the upstream client timeout bound a stalled
	// exchange instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, mgr *origin.Manager, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "origins", mgr.Names())
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
