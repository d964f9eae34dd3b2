package enrich

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/resilience"
	"github.com/sells-group/rca-engine/pkg/anthropic"
)

type fakeClient struct {
	calls int
	fail  int // first N calls error
	err   error
	text  string
}

func (f *fakeClient) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

func testAnthropicConfig() config.AnthropicConfig {
	return config.AnthropicConfig{
		Key:       "test-key",
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
	}
}

func testDrivers() []model.RankedDriver {
	return []model.RankedDriver{
		{Domain: model.DomainSupply, Impact: -8000, Summary: "otif shortfall", Evidence: []string{"avg otif 0.90"}},
	}
}

func TestAnthropicNarrator(t *testing.T) {
	client := &fakeClient{text: "Supply shortfalls drove the miss."}
	n := newAnthropicNarrator(client, testAnthropicConfig())

	out, err := n.Narrate(context.Background(), "2025-08: revenue 40,000 below plan.", testDrivers())
	require.NoError(t, err)
	assert.Equal(t, "Supply shortfalls drove the miss.", out)
	assert.Equal(t, 1, client.calls)
}

func TestAnthropicNarratorRetriesTransientFailure(t *testing.T) {
	client := &fakeClient{
		fail: 1,
		err:  resilience.NewTransientError(eris.New("529 overloaded"), 529),
		text: "Recovered narrative.",
	}
	n := newAnthropicNarrator(client, testAnthropicConfig())

	out, err := n.Narrate(context.Background(), "brief", testDrivers())
	require.NoError(t, err)
	assert.Equal(t, "Recovered narrative.", out)
	assert.Equal(t, 2, client.calls)
}

func TestAnthropicNarratorGivesUpAfterRetry(t *testing.T) {
	client := &fakeClient{
		fail: 10,
		err:  resilience.NewTransientError(eris.New("529 overloaded"), 529),
	}
	n := newAnthropicNarrator(client, testAnthropicConfig())

	_, err := n.Narrate(context.Background(), "brief", testDrivers())
	require.Error(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestAnthropicNarratorDoesNotRetryPermanentFailure(t *testing.T) {
	client := &fakeClient{fail: 10, err: eris.New("invalid api key")}
	n := newAnthropicNarrator(client, testAnthropicConfig())

	_, err := n.Narrate(context.Background(), "brief", testDrivers())
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestAnthropicNarratorEmptyResponseFallsBackToBrief(t *testing.T) {
	client := &fakeClient{text: "   "}
	n := newAnthropicNarrator(client, testAnthropicConfig())

	out, err := n.Narrate(context.Background(), "the brief", nil)
	require.NoError(t, err)
	assert.Equal(t, "the brief", out)
}

func TestFallbackNarratorReturnsBriefUnchanged(t *testing.T) {
	out, err := FallbackNarrator{}.Narrate(context.Background(), "the brief", testDrivers())
	require.NoError(t, err)
	assert.Equal(t, "the brief", out)
}

func TestNewPicksImplementationByKey(t *testing.T) {
	assert.IsType(t, FallbackNarrator{}, New(config.AnthropicConfig{}))
	assert.IsType(t, &AnthropicNarrator{}, New(testAnthropicConfig()))
}

func TestBuildPromptIncludesDriversAndEvidence(t *testing.T) {
	prompt := buildPrompt("the brief", testDrivers())
	assert.Contains(t, prompt, "the brief")
	assert.Contains(t, prompt, "1. supply (impact -8000): otif shortfall")
	assert.Contains(t, prompt, "- avg otif 0.90")
}
