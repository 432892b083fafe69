package postproc

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/thebtf/relay/internal/agent"
)

// Generator produces one completion for a post-processing prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// AdapterGenerator runs post-processing prompts through the agent adapter as
// throwaway one-shot sessions with tools disabled.
type AdapterGenerator struct {
	adapter agent.Adapter
	model   string
}

// NewAdapterGenerator creates an AdapterGenerator using the given model.
func NewAdapterGenerator(adapter agent.Adapter, model string) *AdapterGenerator {
	return &AdapterGenerator{adapter: adapter, model: model}
}

// Generate dispatches the prompt and collects text until the stream ends.
func (g *AdapterGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	id := "postproc-" + uuid.NewString()
	events, err := g.adapter.Start(ctx, id, prompt, agent.Options{
		Model:           g.model,
		MaxTurns:        1,
		DisallowedTools: []string{"*"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start generator: %w", err)
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			b.WriteString(ev.Content)
		case agent.EventError:
			return "", fmt.Errorf("generation failed: %s", ev.Message)
		case agent.EventDone:
			if ev.Interrupted {
				return "", fmt.Errorf("generation interrupted")
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
