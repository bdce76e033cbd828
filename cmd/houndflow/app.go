package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/backend"
	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/evidence"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/loader"
	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/internal/secrets"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/internal/validation"
)

// The constructors below are shared by the one-shot commands (through
// buildApp) and by serve (as fx providers).

func newLogger(cfg Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

func newStore(cfg Config) (store.Store, error) {
	switch cfg.StateBackend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "libsql":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate db: %w", err)
		}
		return s, nil
	case "redis":
		s := store.NewRedisStore(store.RedisConfig{
			Addrs:     cfg.redisAddrs(),
			Password:  cfg.RedisPassword,
			Namespace: cfg.RedisNamespace,
		})
		if err := s.Ping(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state_backend %q", cfg.StateBackend)
	}
}

// newHub shares progress through redis when snapshots live there, so every
// process on the same namespace sees the same updates.
func newHub(st store.Store, logger *zap.Logger) streaming.Hub {
	if rs, ok := st.(*store.RedisStore); ok {
		return streaming.NewRedisHub(rs.Client(), rs.Namespace(), logger)
	}
	return streaming.NewMemoryHub(logger)
}

func newValidator(cel *expressions.CELEngine) (*validation.Validator, error) {
	return validation.NewValidator(cel, expressions.NewGoJQEngine())
}

func newBrowser(cfg Config, logger *zap.Logger) *backend.WSBackend {
	return backend.NewWSBackend(backend.WSConfig{
		URL:            cfg.BackendURL,
		CommandTimeout: cfg.BackendTimeout,
	}, logger.Named("browser"))
}

func newDispatcher(cfg Config, browser *backend.WSBackend, v *validation.Validator, cel *expressions.CELEngine, st store.Store, logger *zap.Logger) (*backend.Dispatcher, error) {
	routes := backend.StandardRoutes(backend.Options{
		Browser:         browser,
		Schemas:         v,
		Conditions:      cel,
		Ingest:          st,
		AllowJavaScript: cfg.AllowJavaScript,
		ScriptTimeout:   cfg.ScriptTimeout,
	})
	breakers := backend.NewBreakers(backend.BreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		Cooldown:         cfg.BreakerCooldown,
		HalfOpenMax:      1,
	})
	return backend.NewDispatcher(routes, backend.WithBreakers(breakers), backend.WithLogger(logger.Named("dispatch")))
}

// newVault opens the secrets vault kept in st. Without a vault key secret
// references are left unresolved and steps using them fail.
func newVault(cfg Config, st store.Store) (secrets.Vault, error) {
	if cfg.VaultKey == "" {
		return nil, nil
	}
	return secrets.OpenVault(context.Background(), st, cfg.VaultKey)
}

func newStepBackend(dispatcher *backend.Dispatcher, vault secrets.Vault) engine.StepExecutorBackend {
	if vault == nil {
		return dispatcher
	}
	return secrets.NewBackend(dispatcher, vault)
}

func newEvidence(cfg Config, logger *zap.Logger) (engine.EvidenceSink, error) {
	if cfg.EvidenceDir == "" {
		return nil, nil
	}
	sink, err := evidence.NewFileSink(cfg.EvidenceDir, logger.Named("evidence"))
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func newRunner(cfg Config, exec engine.StepExecutorBackend, sink engine.EvidenceSink, cel *expressions.CELEngine, v *validation.Validator, hub streaming.Hub, st store.Store, logger *zap.Logger) (*engine.Runner, error) {
	return engine.NewRunner(engine.Dependencies{
		Backend:    exec,
		Evidence:   sink,
		Conditions: cel,
		Outputs:    expressions.NewGoJQEngine(),
		Params:     expressions.NewInterpolator(),
		Inputs:     v,
		Progress:   hub,
		State:      engine.NewStateManager(st, logger.Named("state")),
		Logger:     logger.Named("engine"),
	}, engine.RunnerConfig{
		PoolSize:         cfg.PoolSize,
		ProgressInterval: cfg.ProgressInterval,
		FinishedTTL:      cfg.FinishedTTL,
	})
}

// app is the component graph of the one-shot commands.
type app struct {
	logger  *zap.Logger
	store   store.Store
	hub     streaming.Hub
	loader  *loader.Loader
	browser *backend.WSBackend
	runner  *engine.Runner
}

// buildApp wires every component. Without a store the commands only need
// the loader, so withRunner=false stops after it.
func buildApp(cfg Config, withRunner bool) (_ *app, err error) {
	a := &app{}
	if a.logger, err = newLogger(cfg); err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v, err := newValidator(cel)
	if err != nil {
		return nil, err
	}
	a.loader = loader.New(v, a.logger.Named("loader"))
	if !withRunner {
		return a, nil
	}

	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()
	if a.store, err = newStore(cfg); err != nil {
		return nil, err
	}
	a.hub = newHub(a.store, a.logger)
	a.browser = newBrowser(cfg, a.logger)
	dispatcher, err := newDispatcher(cfg, a.browser, v, cel, a.store, a.logger)
	if err != nil {
		return nil, err
	}
	vault, err := newVault(cfg, a.store)
	if err != nil {
		return nil, err
	}
	sink, err := newEvidence(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.runner, err = newRunner(cfg, newStepBackend(dispatcher, vault), sink, cel, v, a.hub, a.store, a.logger)
	return a, err
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Shutdown(ctx))
	}
	if a.browser != nil {
		errs = append(errs, a.browser.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
