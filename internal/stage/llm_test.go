package stage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/retention-cli/internal/cost"
	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/resilience"
	"github.com/sells-group/retention-cli/internal/signals"
	"github.com/sells-group/retention-cli/pkg/anthropic"
)

func llmHarness(t *testing.T, client *mockAnthropicClient, cfg LLMConfig) *harness {
	return newHarness(t, func(sig *signals.Fixture) Backend {
		return NewLLMBackend(client, nil, nil, sig, cfg)
	})
}

func lastMessage(req anthropic.MessageRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

func TestLLMBackend_ToolCallThenFinal(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1
	})).Return(reply("```json\n"+`{"tool_calls": [
		{"name": "get_attendance", "input": {}},
		{"name": "save_risk_assessment", "input": {"risk_score": 0.82, "risk_level": "High", "risk_factors": ["attendance_below_80"]}}
	]}`+"\n```"), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 3 && strings.Contains(lastMessage(req), `"tool_results"`)
	})).Return(reply(`{"final": "Identified High risk."}`), nil).Once()

	h := llmHarness(t, client, LLMConfig{Model: "claude-test"})
	res, err := h.exec.Adapter(KindRisk, h.cache).Run(context.Background(), "student_high_risk", "")
	require.NoError(t, err)
	assert.Equal(t, "Identified High risk.", res.Text)
	assert.Equal(t, "High", res.Data["risk_level"])

	p, err := h.store.GetRiskProfile(context.Background(), "student_high_risk")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, p.Score, 1e-9)
	client.AssertExpectations(t)
}

func TestLLMBackend_PricingAccumulatesPerStage(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(`{"final": "ok"}`), nil).Twice()

	pricing := cost.NewCalculator(cost.Rates{"claude-test": {Input: 1_000_000, Output: 2_000_000}})
	h := llmHarness(t, client, LLMConfig{Model: "claude-test", Pricing: pricing})
	for i := 0; i < 2; i++ {
		_, err := h.exec.Adapter(KindEmotional, h.cache).Run(context.Background(), "S1", "")
		require.NoError(t, err)
	}

	// 10 input and 5 output tokens per call at $1/token and $2/token.
	assert.InDelta(t, 40.0, pricing.Totals()["emotional"], 1e-9)
	client.AssertExpectations(t)
}

func TestLLMBackend_SystemPromptListsStageTools(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return strings.Contains(req.System, "get_parent_contact") &&
			!strings.Contains(req.System, "save_risk_assessment") &&
			strings.Contains(req.System, "student S7") &&
			req.Model == "claude-test" && req.MaxTokens == 2048
	})).Return(reply(`{"final": "drafted"}`), nil).Once()

	h := llmHarness(t, client, LLMConfig{Model: "claude-test"})
	_, err := h.exec.Adapter(KindFamily, h.cache).Run(context.Background(), "S7", "")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestLLMBackend_ValidationErrorFedBack(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1
	})).Return(reply(`{"tool_calls": [{"name": "create_intervention", "input": {"type": "Spiritual", "description": "x"}}]}`), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 3 && strings.Contains(lastMessage(req), "unknown intervention type")
	})).Return(reply(`{"final": "Could not create."}`), nil).Once()

	h := llmHarness(t, client, LLMConfig{})
	res, err := h.exec.Adapter(KindIntervention, h.cache).Run(context.Background(), "S1", "")
	require.NoError(t, err)
	assert.Equal(t, "Could not create.", res.Text)

	list, err := h.store.ListInterventions(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, list)
	client.AssertExpectations(t)
}

func TestLLMBackend_PlainProseIsFinal(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("  Student is doing fine.  "), nil).Once()

	h := llmHarness(t, client, LLMConfig{})
	res, err := h.exec.Adapter(KindEmotional, h.cache).Run(context.Background(), "S1", "")
	require.NoError(t, err)
	assert.Equal(t, "Student is doing fine.", res.Text)
}

func TestLLMBackend_MaxTurns(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"tool_calls": [{"name": "get_grades", "input": {}}]}`), nil).Times(2)

	h := llmHarness(t, client, LLMConfig{MaxTurns: 2})
	_, err := h.exec.Adapter(KindAcademic, h.cache).Run(context.Background(), "S1", "")
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "exceeded 2 turns")
	client.AssertExpectations(t)
}

func TestLLMBackend_TransportErrorFailsStage(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.MarkTransient(errors.New("overloaded"), 529)).Times(2)

	h := newHarness(t, func(sig *signals.Fixture) Backend {
		guard := resilience.NewGuard("anthropic", resilience.Config{MaxAttempts: 2, InitialBackoff: 1})
		return NewLLMBackend(client, guard, nil, sig, LLMConfig{})
	})
	_, err := h.exec.Adapter(KindRisk, h.cache).Run(context.Background(), "S1", "")
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.True(t, resilience.IsTransient(err))
	client.AssertExpectations(t)
}

func TestLLMBackend_StoreFailureAbortsStage(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"tool_calls": [{"name": "list_interventions", "input": {}}]}`), nil).Once()

	h := llmHarness(t, client, LLMConfig{})
	require.NoError(t, h.store.Close())

	_, err := h.exec.Adapter(KindIntervention, h.cache).Run(context.Background(), "S1", "")
	require.Error(t, err)
	var ve *model.ValidationError
	assert.False(t, errors.As(err, &ve))
	assert.Contains(t, err.Error(), "tool list_interventions")
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"final": "x"}`, `{"final": "x"}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`Here you go: {"a": {"b": 2}} thanks`, `{"a": {"b": 2}}`},
		{"no json here", "no json here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}
