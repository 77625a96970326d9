// Package resultcache holds the per-run results of completed stages so that
// later stages and summary queries can read them without touching the store.
package resultcache

import (
	"context"
	"sync"

	"github.com/sells-group/retention-cli/internal/model"
)

// Cache is the shared result cache for one run or session scope. Saves to
// distinct stage keys are independent; saving the same key again replaces it.
type Cache interface {
	Save(ctx context.Context, stage string, result model.AgentResult) error
	// GetAll returns a copy of every saved result keyed by stage name.
	GetAll(ctx context.Context) (map[string]model.AgentResult, error)
	Clear(ctx context.Context) error
}

// Memory is an in-process Cache. The zero value is ready to use.
type Memory struct {
	mu      sync.RWMutex
	results map[string]model.AgentResult
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]model.AgentResult)}
}

func (m *Memory) Save(_ context.Context, stage string, result model.AgentResult) error {
	if stage == "" {
		return ErrEmptyStage
	}
	if result.Stage == "" {
		result.Stage = stage
	}
	result.Data = copyData(result.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]model.AgentResult)
	}
	m.results[stage] = result
	return nil
}

func (m *Memory) GetAll(_ context.Context) (map[string]model.AgentResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.AgentResult, len(m.results))
	for k, v := range m.results {
		v.Data = copyData(v.Data)
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.results = make(map[string]model.AgentResult)
	m.mu.Unlock()
	return nil
}

// Len reports the number of cached stage results.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// copyData deep-copies the maps and slices in data so callers cannot
// mutate cached values.
func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyData(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string(nil), t...)
	case []float64:
		if t == nil {
			return t
		}
		return append([]float64(nil), t...)
	case []map[string]any:
		if t == nil {
			return t
		}
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = copyData(m)
		}
		return out
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// Factory returns the cache for a scope, typically a subject id.
type Factory func(scope string) Cache

// MemoryFactory returns a Factory that creates a fresh Memory per call.
func MemoryFactory() Factory {
	return func(string) Cache { return NewMemory() }
}
