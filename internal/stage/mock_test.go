package stage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/resolver"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/signals"
	"github.com/sells-group/retention-cli/internal/store"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Text: text, Usage: anthropic.TokenUsage{InputTokens: 10, OutputTokens: 5}}
}

// --- Fixtures ---

type harness struct {
	store *store.SQLiteStore
	cache *resultcache.Memory
	exec  *Executor
	sig   *signals.Fixture
}

func newHarness(t *testing.T, backend func(sig *signals.Fixture) Backend, opts ...Option) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "stage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	sig, err := signals.Default()
	require.NoError(t, err)

	return &harness{
		store: st,
		cache: resultcache.NewMemory(),
		exec:  NewExecutor(backend(sig), st, resolver.New(st), opts...),
		sig:   sig,
	}
}

func rulesHarness(t *testing.T) *harness {
	return newHarness(t, func(sig *signals.Fixture) Backend { return NewRulesBackend(sig) })
}

// run executes kind and saves its result the way the pipeline does.
func (h *harness) run(t *testing.T, kind Kind, subjectID string, opts ...RunOption) Result {
	t.Helper()
	res, err := h.exec.Adapter(kind, h.cache).Run(context.Background(), subjectID, "", opts...)
	require.NoError(t, err)
	require.NoError(t, h.cache.Save(context.Background(), string(kind), res.AgentResult(subjectID)))
	return res
}
