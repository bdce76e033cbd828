package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/backend"
	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/httpapi"
	"github.com/rendis/houndflow/internal/loader"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/mcp"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			app := fx.New(serveOptions(cfg))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	f := cmd.Flags()
	d := defaultConfig()
	f.String("http-addr", d.HTTPAddr, "HTTP API listen address (empty disables it)")
	f.String("mcp-transport", d.MCPTransport, "MCP transport: sse, stdio or none")
	f.String("mcp-addr", d.MCPAddr, "MCP SSE listen address")
	f.String("workflows-dir", d.WorkflowsDir, "directory of workflow documents registered at startup")
	return cmd
}

// serveOptions is the fx graph of the server.
func serveOptions(cfg Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.StopTimeout(closeTimeout),
		fx.Provide(
			newLogger,
			newStore,
			newHub,
			expressions.NewCELEngine,
			newValidator,
			loader.New,
			newBrowser,
			newDispatcher,
			newVault,
			newStepBackend,
			newEvidence,
			newRunner,
			newRetention,
			newAPIServer,
			newMCPServer,
		),
		fx.Invoke(
			registerStoreHooks,
			registerRunnerHooks,
			registerRetentionHooks,
			registerAPIHooks,
			registerMCPHooks,
		),
	)
}

func newRetention(cfg Config, st store.Store, logger *zap.Logger) (*store.Retention, error) {
	return store.NewRetention(st, cfg.SnapshotTTL, cfg.RetentionSchedule, logger.Named("retention"))
}

func newAPIServer(runner *engine.Runner, l *loader.Loader, hub streaming.Hub, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{Runner: runner, Loader: l, Hub: hub, Logger: logger.Named("http")})
}

func newMCPServer(runner *engine.Runner, l *loader.Loader, hub streaming.Hub, logger *zap.Logger) *mcp.HoundflowServer {
	return mcp.NewHoundflowServer(mcp.HoundflowServerDeps{
		Runner:  runner,
		Loader:  l,
		Hub:     hub,
		Logger:  logger.Named("mcp"),
		Version: version,
	})
}

func registerStoreHooks(lc fx.Lifecycle, st store.Store, browser *backend.WSBackend, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = logger.Sync()
			return st.Close()
		},
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return browser.Close() },
	})
}

func registerRunnerHooks(lc fx.Lifecycle, cfg Config, runner *engine.Runner, l *loader.Loader, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.WorkflowsDir == "" {
				return nil
			}
			defs, err := l.LoadDir(cfg.WorkflowsDir)
			if err != nil {
				return err
			}
			for _, def := range defs {
				runner.RegisterDefinition(def)
			}
			logger.Info("workflows registered", zap.String("dir", cfg.WorkflowsDir), zap.Int("count", len(defs)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Active runs are paused so they can be resumed after restart.
			return runner.Shutdown(ctx)
		},
	})
}

func registerRetentionHooks(lc fx.Lifecycle, cfg Config, ret *store.Retention) {
	if cfg.StateBackend == "memory" || cfg.SnapshotTTL <= 0 {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return ret.Start() },
		OnStop: func(context.Context) error {
			ret.Stop()
			return nil
		},
	})
}

func registerAPIHooks(lc fx.Lifecycle, cfg Config, api *httpapi.Server, shutdowner fx.Shutdowner, logger *zap.Logger) {
	if cfg.HTTPAddr == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := api.ListenAndServe(cfg.HTTPAddr); err != nil {
					logger.Error("http api failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: api.Shutdown,
	})
}

func registerMCPHooks(lc fx.Lifecycle, cfg Config, srv *mcp.HoundflowServer, shutdowner fx.Shutdowner, logger *zap.Logger) {
	switch cfg.MCPTransport {
	case "sse":
		var sse *server.SSEServer
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				sse = srv.SSEServer(baseURL(cfg.MCPAddr))
				go func() {
					logger.Info("mcp sse listening", zap.String("addr", cfg.MCPAddr))
					if err := sse.Start(cfg.MCPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("mcp sse failed", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				srv.Close()
				return sse.Shutdown(ctx)
			},
		})
	case "stdio":
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("mcp stdio failed", zap.Error(err))
					}
					// stdin closed: the client went away.
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				srv.Close()
				return nil
			},
		})
	}
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
