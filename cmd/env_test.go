package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/retention-cli/internal/config"
	"github.com/sells-group/retention-cli/internal/cost"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/stage"
	"github.com/sells-group/retention-cli/internal/store"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

// validConfig returns a config that passes Validate for every mode.
func validConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "env.db")},
		Cache:  config.CacheConfig{Driver: "memory"},
		Stages: config.StagesConfig{Backend: "rules", TimeoutSecs: 30, MaxTurns: 4},
		Batch:  config.BatchConfig{MaxConcurrent: 2},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "error", Format: "json"},
		Anthropic: config.AnthropicConfig{
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 1024,
		},
	}
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() {
		pe.Close()
	})
}

func TestPipelineEnv_Close_LogsSpend(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	pricing := cost.NewCalculator(cost.DefaultRates())
	pricing.Add("risk", "claude-sonnet-4-5-20250929", anthropic.TokenUsage{InputTokens: 1_000_000})
	pe := &pipelineEnv{Pricing: pricing}
	pe.Close()

	spend := logs.FilterMessage("llm spend").All()
	require.Len(t, spend, 1)
	assert.InDelta(t, 3.0, spend[0].ContextMap()["total_usd"], 1e-9)
}

func TestInitPipeline_LLMTracksSpend(t *testing.T) {
	cfg = validConfig(t)
	cfg.Stages.Backend = "llm"
	cfg.Anthropic.Key = "sk-test"

	env, err := initPipeline(context.Background(), "analyze")
	require.NoError(t, err)
	defer env.Close()
	assert.NotNil(t, env.Pricing)
}

func TestInitStore_SQLiteMigrates(t *testing.T) {
	cfg = validConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	subjects, err := st.ListSubjects(context.Background(), store.SubjectFilter{})
	require.NoError(t, err)
	assert.Empty(t, subjects)
}

func TestInitStore_BadDriver(t *testing.T) {
	cfg = validConfig(t)
	cfg.Store.Driver = "mysql"

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_PostgresBadURL(t *testing.T) {
	cfg = validConfig(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "://not a url"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: parse config")
}

func TestInitCaches(t *testing.T) {
	cfg = validConfig(t)

	factory, client, err := initCaches(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)
	_, ok := factory("S1").(*resultcache.Memory)
	assert.True(t, ok)

	cfg.Cache.Driver = "memcached"
	_, _, err = initCaches(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported cache driver")
}

func TestInitBackend(t *testing.T) {
	cfg = validConfig(t)

	b, err := initBackend(stage.DefaultCatalog(), nil)
	require.NoError(t, err)
	assert.IsType(t, &stage.RulesBackend{}, b)

	cfg.Stages.Backend = "llm"
	cfg.Anthropic.Key = "sk-test"
	b, err = initBackend(stage.DefaultCatalog(), nil)
	require.NoError(t, err)
	assert.IsType(t, &stage.LLMBackend{}, b)

	cfg.Stages.Backend = "oracle"
	_, err = initBackend(stage.DefaultCatalog(), nil)
	assert.Error(t, err)
}

func TestInitBackend_MissingSignalsFile(t *testing.T) {
	cfg = validConfig(t)
	cfg.Stages.SignalsPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := initBackend(stage.DefaultCatalog(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signals: read fixture")
}

func TestInitPipeline(t *testing.T) {
	cfg = validConfig(t)

	env, err := initPipeline(context.Background(), "analyze")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Controller)
	assert.Nil(t, env.Redis)

	out, err := env.Controller.Run(context.Background(), env.Caches("student_low_risk"), "student_low_risk")
	require.NoError(t, err)
	assert.Equal(t, "student_low_risk", out.SubjectID)
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	cfg = validConfig(t)
	cfg.Stages.Backend = "llm"

	env, err := initPipeline(context.Background(), "analyze")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitPipeline_BadCatalog(t *testing.T) {
	cfg = validConfig(t)
	cfg.Stages.CatalogPath = filepath.Join(t.TempDir(), "nope.yaml")

	_, err := initPipeline(context.Background(), "analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage: read catalog")
}
