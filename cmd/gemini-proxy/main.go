package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/handler"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/middleware"
	"gemini-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	envFile, err := config.LoadEnvFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("gemini-proxy"),
		kong.Description("Reverse proxy for the Gemini API that keeps the API key server-side."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			fx.Annotate(newProxyEcho, fx.ResultTags(`name:"proxy"`)),
			fx.Annotate(newAdminEcho, fx.ResultTags(`name:"admin"`)),
		),
		fx.Invoke(
			fx.Annotate(handler.RegisterRoutes, fx.ParamTags(`name:"proxy"`)),
			fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
			func(cfg *config.Config, logger *slog.Logger) {
				if envFile != "" {
					logger.Info("loaded env file", "path", envFile)
				}
				cfg.WarnPermissions(logger)
				cfg.WarnMissingAPIKey(logger)
			},
			fx.Annotate(startServers, fx.ParamTags(``, `name:"proxy"`, `name:"admin"`)),
		),
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

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Only the header read is bounded. Uploads and generation streams may
	// legitimately take minutes in either direction.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	return e
}

func newAdminEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.SecurityHeaders())

	return e
}

func startServers(lc fx.Lifecycle, proxy, admin *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(serveHook(proxy, cfg.Server.Addr(), "proxy", logger))
	if cfg.Admin.Enabled {
		lc.Append(serveHook(admin, cfg.Admin.Addr(), "admin", logger))
	}
}

func serveHook(e *echo.Echo, addr, name string, logger *slog.Logger) fx.Hook {
	return fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "server", name, "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "server", name, "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "server", name)
			return e.Shutdown(ctx)
		},
	}
}
