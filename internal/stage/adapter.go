package stage

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resultcache"
)

// DefaultTimeout bounds a single stage invocation.
const DefaultTimeout = 2 * time.Minute

// Backend produces a stage's textual output, calling session.Tools for
// anything it wants persisted or recorded.
type Backend interface {
	Execute(ctx context.Context, session *Session, instruction string) (string, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, session *Session, instruction string) (string, error)

func (f Func) Execute(ctx context.Context, session *Session, instruction string) (string, error) {
	return f(ctx, session, instruction)
}

// Result is the outcome of one stage invocation.
type Result struct {
	Kind      Kind           `json:"stage"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Data      map[string]any `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// AgentResult converts r into the form kept in the result cache.
func (r Result) AgentResult(subjectID string) model.AgentResult {
	return model.AgentResult{
		Stage:     string(r.Kind),
		SubjectID: subjectID,
		Text:      r.Text,
		Data:      r.Data,
		SavedAt:   time.Now().UTC(),
	}
}

// StageError reports a failed stage invocation. Writes the stage committed
// before failing are not rolled back.
type StageError struct {
	Kind      Kind
	SubjectID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for %s: %v", e.Kind, e.SubjectID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Executor holds what every stage invocation shares: the backend, the
// instruction catalog, the store and the resolver.
type Executor struct {
	backend  Backend
	catalog  *Catalog
	timeout  time.Duration
	store    Persistence
	resolver ContextResolver
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the per-stage timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCatalog replaces the default instruction catalog.
func WithCatalog(c *Catalog) Option {
	return func(e *Executor) {
		if c != nil {
			e.catalog = c
		}
	}
}

// NewExecutor returns an Executor running stages on backend.
func NewExecutor(backend Backend, store Persistence, resolver ContextResolver, opts ...Option) *Executor {
	e := &Executor{
		backend:  backend,
		catalog:  DefaultCatalog(),
		timeout:  DefaultTimeout,
		store:    store,
		resolver: resolver,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Catalog returns the executor's instruction catalog.
func (e *Executor) Catalog() *Catalog { return e.catalog }

// Adapter binds kind and a run's cache to the executor.
func (e *Executor) Adapter(kind Kind, cache resultcache.Cache) *Adapter {
	return &Adapter{exec: e, kind: kind, cache: cache}
}

// Adapter is the uniform call boundary for one stage kind within one run.
type Adapter struct {
	exec  *Executor
	kind  Kind
	cache resultcache.Cache
}

// RunOption adjusts a single invocation.
type RunOption func(*runOptions)

type runOptions struct {
	input map[string]any
}

// WithInput passes a structured argument to the backend through Session.Input.
func WithInput(key string, value any) RunOption {
	return func(o *runOptions) {
		if o.input == nil {
			o.input = make(map[string]any)
		}
		o.input[key] = value
	}
}

// Run executes the stage for subjectID in a fresh session. An empty
// instruction uses the catalog default. Every failure, including a timeout
// or a panic in the backend, is returned as a *StageError.
func (a *Adapter) Run(ctx context.Context, subjectID, instruction string, opts ...RunOption) (Result, error) {
	if !a.kind.Valid() {
		return Result{}, &StageError{Kind: a.kind, SubjectID: subjectID, Err: eris.Errorf("stage: unknown kind %q", a.kind)}
	}
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return Result{}, &StageError{Kind: a.kind, SubjectID: subjectID, Err: err}
	}
	if instruction == "" {
		instruction = a.exec.catalog.Instruction(a.kind, subjectID)
	}
	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	tools := newToolbox(subjectID, a.exec.store, a.cache, a.exec.resolver)
	session := newSession(a.kind, subjectID, instruction, tools, ro.input)
	log := zap.L().With(
		zap.String("stage", string(a.kind)),
		zap.String("student_id", subjectID),
		zap.String("session_id", session.ID),
	)

	ctx, cancel := context.WithTimeout(ctx, a.exec.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	start := time.Now()
	log.Debug("stage: start")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("stage: backend panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- reply{err: eris.Errorf("stage: backend panic: %v", r)}
			}
		}()
		text, err := a.exec.backend.Execute(ctx, session, instruction)
		done <- reply{text: text, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = eris.Wrapf(ctx.Err(), "stage: %s did not finish", a.kind)
	}
	elapsed := time.Since(start)

	if r.err != nil {
		log.Warn("stage: failed", zap.Int64("duration_ms", elapsed.Milliseconds()), zap.Error(r.err))
		return Result{}, &StageError{Kind: a.kind, SubjectID: subjectID, Err: r.err}
	}

	log.Info("stage: complete", zap.Int64("duration_ms", elapsed.Milliseconds()))
	return Result{
		Kind:      a.kind,
		SessionID: session.ID,
		Text:      r.text,
		Data:      tools.Data(),
		Duration:  elapsed,
	}, nil
}
