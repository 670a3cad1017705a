package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"pdf2zh-proxy/internal/config"
	"pdf2zh-proxy/internal/handler"
	"pdf2zh-proxy/internal/logging"
	"pdf2zh-proxy/internal/metrics"
	"pdf2zh-proxy/internal/supervisor"
	"pdf2zh-proxy/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve serveCmd `kong:"cmd,default='withargs',help='Run the proxy worker pool in the foreground (default).'"`
	Start startCmd `kong:"cmd,help='Launch the proxy in the background and print its PID.'"`
}

type serveCmd struct {
	config.CLI `kong:"embed"`
}

type startCmd struct {
	config.CLI `kong:"embed"`

	LogFile string        `kong:"name='log-file',help='Write the background process output to this file.'"`
	PIDFile string        `kong:"name='pid-file',help='Write the background process PID to this file.'"`
	Wait    time.Duration `kong:"default='0s',help='Wait up to this long for the proxy to accept connections.'"`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("pdf2zh-proxy"),
		kong.Description("Reverse proxy in front of the pdf2zh gradio UI."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run())
}

func (s *serveCmd) Run() error {
	app := fx.New(
		fx.Provide(
			func() *config.CLI { return &s.CLI },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLoggers,
			newMetrics,
			worker.NewProxyBuilder,
			worker.New,
			handler.NewHealthHandler,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Invoke(warnConfig, startPool, startAdmin),
	)
	app.Run()
	return nil
}

func (s *startCmd) Run() error {
	cfg, err := config.Load(&s.CLI)
	if err != nil {
		return err
	}

	var extra []string
	for _, f := range [...]struct{ flag, val string }{
		{"--log-level", s.LogLevel},
		{"--access-log", s.AccessLog},
		{"--error-log", s.ErrorLog},
	} {
		if f.val != "" {
			extra = append(extra, f.flag, f.val)
		}
	}

	h, err := supervisor.Start(supervisor.Options{
		Host:        cfg.Server.Host,
		ProxyPort:   cfg.Server.Port,
		BackendPort: cfg.Backend.Port,
		Workers:     cfg.Server.Workers,
		ConfigPath:  s.Config,
		ExtraArgs:   extra,
		LogFile:     s.LogFile,
	})
	if err != nil {
		return err
	}

	if s.PIDFile != "" {
		if err := os.WriteFile(s.PIDFile, []byte(strconv.Itoa(h.PID)+"\n"), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	if s.Wait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.Wait)
		defer cancel()
		if err := h.WaitReady(ctx, supervisor.ReadyAddr(cfg.Server.Host, cfg.Server.Port)); err != nil {
			_ = h.Stop()
			return err
		}
	}

	fmt.Println(h.PID)
	return nil
}

func newLoggers(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, *logging.AccessLog, error) {
	logger, access, sinks, err := logging.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	lc.Append(fx.StopHook(sinks.Close))
	return logger, access, nil
}

// newMetrics returns nil when metrics are disabled; consumers treat nil as off.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnUnservedMetrics(logger)
}

func startPool(lc fx.Lifecycle, sd fx.Shutdowner, pool *worker.Pool, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := pool.Listen(); err != nil {
				return err
			}
			if err := pool.Start(); err != nil {
				return err
			}
			logger.Info("proxying",
				"backend", cfg.Backend.BaseURL(),
				"addr", pool.Addr().String(),
			)
			go func() {
				if err := pool.Wait(); err != nil {
					logger.Error("worker pool failed", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down worker pool")
			timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return pool.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Admin.Enabled() {
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Use(echomw.Recover())
	handler.RegisterAdminRoutes(e, cfg, health, m)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
