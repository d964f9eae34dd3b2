// Package enrich optionally rewrites deterministic briefs into analyst-style
// narratives. Narration is best effort: any failure leaves the brief as the
// narrative and never fails the run.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rca-engine/internal/config"
	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/resilience"
	"github.com/sells-group/rca-engine/pkg/anthropic"
)

// Narrator turns a deterministic brief plus its drivers into prose.
type Narrator interface {
	Narrate(ctx context.Context, brief string, drivers []model.RankedDriver) (string, error)
}

const systemPrompt = `You are a finance analyst. Rewrite the supplied root-cause brief as two or three sentences of plain prose for an executive reader. Use only the numbers and facts given. Do not invent figures, do not hedge, do not add recommendations.`

// AnthropicNarrator narrates briefs through the Anthropic API, with one
// retry on transient failures and a circuit breaker so a degraded API
// cannot slow every run.
type AnthropicNarrator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// NewAnthropicNarrator creates a narrator from config.
func NewAnthropicNarrator(cfg config.AnthropicConfig) *AnthropicNarrator {
	return newAnthropicNarrator(anthropic.NewClient(cfg.Key), cfg)
}

func newAnthropicNarrator(client anthropic.Client, cfg config.AnthropicConfig) *AnthropicNarrator {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	retry.InitialBackoff = 250 * time.Millisecond
	retry.OnRetry = resilience.RetryLogger("anthropic", "narrate")
	return &AnthropicNarrator{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     retry,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

func (n *AnthropicNarrator) Narrate(ctx context.Context, brief string, drivers []model.RankedDriver) (string, error) {
	prompt := buildPrompt(brief, drivers)

	resp, err := resilience.DoVal(ctx, n.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, n.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return n.client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     n.model,
				MaxTokens: n.maxTokens,
				System:    []anthropic.SystemBlock{{Text: systemPrompt}},
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	})
	if err != nil {
		return "", err
	}

	resp.Usage.LogCost(n.model, "narrate")
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return brief, nil
	}
	return text, nil
}

func buildPrompt(brief string, drivers []model.RankedDriver) string {
	var b strings.Builder
	b.WriteString("Brief:\n")
	b.WriteString(brief)
	if len(drivers) > 0 {
		b.WriteString("\n\nRanked drivers:\n")
		for i, d := range drivers {
			fmt.Fprintf(&b, "%d. %s (impact %.0f): %s\n", i+1, d.Domain, d.Impact, d.Summary)
			for _, e := range d.Evidence {
				b.WriteString("   - ")
				b.WriteString(e)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// FallbackNarrator returns the deterministic brief unchanged. It backs
// deployments without an API key.
type FallbackNarrator struct{}

func (FallbackNarrator) Narrate(_ context.Context, brief string, _ []model.RankedDriver) (string, error) {
	return brief, nil
}

// New picks the narrator implementation for the config: Anthropic when a key
// is present, deterministic fallback otherwise.
func New(cfg config.AnthropicConfig) Narrator {
	if cfg.Key == "" {
		zap.L().Info("no anthropic key configured, narration uses deterministic briefs")
		return FallbackNarrator{}
	}
	return NewAnthropicNarrator(cfg)
}
