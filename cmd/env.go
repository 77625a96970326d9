package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/cost"
	"github.com/sells-group/retention-cli/internal/pipeline"
	"github.com/sells-group/retention-cli/internal/resilience"
	"github.com/sells-group/retention-cli/internal/resolver"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/signals"
	"github.com/sells-group/retention-cli/internal/stage"
	"github.com/sells-group/retention-cli/internal/store"
	anthropicpkg "github.com/sells-group/retention-cli/pkg/anthropic"
)

// pipelineEnv holds the store, cache factory and controller used by the
// analyze/batch/summary/stage/serve commands.
type pipelineEnv struct {
	Store      store.Store
	Redis      *redis.Client // nil for the memory cache
	Caches     resultcache.Factory
	Controller *pipeline.Controller
	Pricing    *cost.Calculator // nil unless the llm backend is configured
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Pricing != nil {
		pe.Pricing.LogTotals(zap.L())
	}
	if pe.Redis != nil {
		_ = pe.Redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured entity store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "retention.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initCaches returns the result cache factory. The returned client is nil
// unless the redis driver is configured.
func initCaches(ctx context.Context) (resultcache.Factory, *redis.Client, error) {
	switch cfg.Cache.Driver {
	case "", "memory":
		return resultcache.MemoryFactory(), nil, nil
	case "redis":
		client, err := resultcache.DialRedis(ctx, resultcache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("redis result cache enabled", zap.String("addr", cfg.Cache.RedisAddr))
		return resultcache.RedisFactory(client, cfg.Cache.TTL()), client, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}

// initBackend builds the stage backend named by stages.backend. The llm
// backend records its spend in pricing when it is non-nil.
func initBackend(catalog *stage.Catalog, pricing *cost.Calculator) (stage.Backend, error) {
	fixture, err := signals.Load(cfg.Stages.SignalsPath)
	if err != nil {
		return nil, err
	}

	switch cfg.Stages.Backend {
	case "", "rules":
		return stage.NewRulesBackend(fixture), nil
	case "llm":
		guard := resilience.NewGuard("anthropic", resilience.Config{
			RequestsPerMinute: cfg.Anthropic.RequestsPerMinute,
			MaxAttempts:       cfg.Anthropic.RetryAttempts,
			InitialBackoff:    time.Duration(cfg.Anthropic.RetryBackoffMS) * time.Millisecond,
			FailureThreshold:  cfg.Anthropic.CircuitThreshold,
			ResetTimeout:      time.Duration(cfg.Anthropic.CircuitResetSecs) * time.Second,
		})
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		zap.L().Info("llm stage backend enabled", zap.String("model", cfg.Anthropic.Model))
		return stage.NewLLMBackend(client, guard, catalog, fixture, stage.LLMConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			MaxTurns:  cfg.Stages.MaxTurns,
			Pricing:   pricing,
		}), nil
	default:
		return nil, eris.Errorf("unsupported stage backend: %s", cfg.Stages.Backend)
	}
}

// initPipeline validates config for mode, then wires the store, cache,
// backend and controller. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	catalog, err := stage.LoadCatalog(cfg.Stages.CatalogPath)
	if err != nil {
		return nil, err
	}
	var pricing *cost.Calculator
	if cfg.Stages.Backend == "llm" {
		pricing = cost.NewCalculator(cost.DefaultRates())
	}
	backend, err := initBackend(catalog, pricing)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Pricing: pricing}

	env.Caches, env.Redis, err = initCaches(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	res := resolver.New(st)
	exec := stage.NewExecutor(backend, st, res,
		stage.WithTimeout(cfg.Stages.Timeout()),
		stage.WithCatalog(catalog),
	)
	env.Controller = pipeline.New(exec, st, res, pipeline.WithMaxConcurrent(cfg.Batch.MaxConcurrent))

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("backend", cfg.Stages.Backend),
	)
	return env, nil
}
