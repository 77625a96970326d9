package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/cost"
	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resilience"
	"github.com/sells-group/retention-cli/internal/signals"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

// LLMConfig tunes the language-model backend.
type LLMConfig struct {
	Model     string
	MaxTokens int64
	// MaxTurns bounds the model/tool round trips of one stage.
	MaxTurns int
	// Pricing, when set, accumulates the estimated spend per stage.
	Pricing *cost.Calculator
}

// LLMBackend runs a stage as a conversation with a language model that
// calls tools through a JSON protocol.
type LLMBackend struct {
	client  anthropic.Client
	guard   *resilience.Guard
	catalog *Catalog
	signals *signals.Fixture
	cfg     LLMConfig
}

// NewLLMBackend returns a backend talking to client. A nil guard runs calls
// unguarded; a nil catalog uses the defaults.
func NewLLMBackend(client anthropic.Client, guard *resilience.Guard, catalog *Catalog, fixture *signals.Fixture, cfg LLMConfig) *LLMBackend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 8
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if guard == nil {
		guard = resilience.NewGuard("anthropic", resilience.Config{MaxAttempts: 1})
	}
	return &LLMBackend{client: client, guard: guard, catalog: catalog, signals: fixture, cfg: cfg}
}

type toolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type modelReply struct {
	ToolCalls []toolCall `json:"tool_calls"`
	Final     *string    `json:"final"`
}

type toolOutput struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *LLMBackend) Execute(ctx context.Context, s *Session, instruction string) (string, error) {
	system := b.systemPrompt(s)
	s.Append("user", instruction)

	var usage anthropic.TokenUsage
	defer func() {
		usage.Log(b.cfg.Model, string(s.Kind))
		if b.cfg.Pricing != nil {
			usd := b.cfg.Pricing.Add(string(s.Kind), b.cfg.Model, usage)
			zap.L().Debug("stage: estimated cost",
				zap.String("stage", string(s.Kind)),
				zap.String("subject_id", s.SubjectID),
				zap.Float64("usd", usd),
			)
		}
	}()

	for turn := 0; turn < b.cfg.MaxTurns; turn++ {
		req := anthropic.MessageRequest{
			Model:     b.cfg.Model,
			MaxTokens: b.cfg.MaxTokens,
			System:    system,
			Messages:  toMessages(s.History()),
		}
		resp, err := resilience.Call(ctx, b.guard, "create_message", func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return b.client.CreateMessage(ctx, req)
		})
		if err != nil {
			return "", eris.Wrapf(err, "stage: %s turn %d", s.Kind, turn)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		s.Append("assistant", resp.Text)

		var reply modelReply
		if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &reply); err != nil {
			// Plain prose with no protocol envelope is taken as the final answer.
			zap.L().Debug("stage: reply is not protocol json", zap.String("stage", string(s.Kind)), zap.Error(err))
			return strings.TrimSpace(resp.Text), nil
		}

		if len(reply.ToolCalls) == 0 {
			if reply.Final == nil {
				return strings.TrimSpace(resp.Text), nil
			}
			return strings.TrimSpace(*reply.Final), nil
		}

		outputs := make([]toolOutput, 0, len(reply.ToolCalls))
		for _, call := range reply.ToolCalls {
			out, err := b.invoke(ctx, s, call)
			if err != nil {
				return "", err
			}
			outputs = append(outputs, out)
		}
		payload, err := json.Marshal(map[string]any{"tool_results": outputs})
		if err != nil {
			return "", eris.Wrap(err, "stage: encode tool results")
		}
		s.Append("user", string(payload))
	}
	return "", eris.Errorf("stage: %s exceeded %d turns without a final answer", s.Kind, b.cfg.MaxTurns)
}

// invoke runs one tool call. Validation failures go back to the model so it
// can correct itself; anything else aborts the stage.
func (b *LLMBackend) invoke(ctx context.Context, s *Session, call toolCall) (toolOutput, error) {
	result, err := dispatch(ctx, s, b.signals, call.Name, call.Input)
	if err == nil {
		return toolOutput{Name: call.Name, Result: result}, nil
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		zap.L().Debug("stage: tool rejected input",
			zap.String("stage", string(s.Kind)),
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return toolOutput{Name: call.Name, Error: ve.Error()}, nil
	}
	return toolOutput{}, eris.Wrapf(err, "stage: tool %s", call.Name)
}

func (b *LLMBackend) systemPrompt(s *Session) string {
	var sb strings.Builder
	sb.WriteString(b.catalog.System(s.Kind))
	fmt.Fprintf(&sb, "\n\nYou are working on student %s. Every tool acts on this student only.\n", s.SubjectID)
	sb.WriteString("\nTools:\n")
	for _, t := range ToolsFor(s.Kind) {
		fmt.Fprintf(&sb, "- %s: %s Input: %s\n", t.Name, t.Description, t.Input)
	}
	sb.WriteString("\nReply with a single JSON object and nothing else. To call tools use " +
		`{"tool_calls": [{"name": "...", "input": {...}}]}` +
		". Tool results come back as {\"tool_results\": [...]}. When finished reply with " +
		`{"final": "<your answer>"}` + ".\n")
	if len(s.Input) > 0 {
		if data, err := json.Marshal(s.Input); err == nil {
			fmt.Fprintf(&sb, "\nInput:\n%s\n", data)
		}
	}
	return sb.String()
}

func toMessages(turns []Turn) []anthropic.Message {
	out := make([]anthropic.Message, len(turns))
	for i, t := range turns {
		out[i] = anthropic.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

// cleanJSON extracts a JSON object from text that may carry markdown
// code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
