// Package assemble builds the prompt handed to the agent subprocess:
// the user's input prefixed with an injected context block carrying
// session history, the rolling summary, and relevant long-term memory,
// trimmed to a token budget.
package assemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/relay/internal/agent"
	"github.com/thebtf/relay/pkg/models"
)

// Store is the subset of persistence the assembler reads from.
type Store interface {
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	RecentMessages(ctx context.Context, sessionPublicID string, n int) ([]*models.ChatMessage, error)
	GetSummary(ctx context.Context, sessionID int64) (*models.MemorySummary, error)
	ListEntries(ctx context.Context, projectID int64, limit int) ([]*models.MemoryEntry, error)
}

// Result is the fully assembled agent invocation.
type Result struct {
	Prompt  string
	Options agent.Options
}

// Assembler turns a raw user input into an agent invocation.
type Assembler interface {
	Assemble(ctx context.Context, session *models.ChatSession, input string) (*Result, error)
}

// HistoryAssembler assembles context from persisted history and memory.
type HistoryAssembler struct {
	store       Store
	codec       tokenizer.Codec
	tokenBudget int
	maxMessages int
	model       string
	maxTurns    int
}

// Config controls assembly limits.
type Config struct {
	TokenBudget int
	MaxMessages int
	Model       string
	MaxTurns    int
}

// New creates a HistoryAssembler.
func New(store Store, cfg Config) (*HistoryAssembler, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 16000
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 40
	}
	return &HistoryAssembler{
		store:       store,
		codec:       codec,
		tokenBudget: cfg.TokenBudget,
		maxMessages: cfg.MaxMessages,
		model:       cfg.Model,
		maxTurns:    cfg.MaxTurns,
	}, nil
}

// Assemble builds the prompt and subprocess options for one turn.
func (a *HistoryAssembler) Assemble(ctx context.Context, session *models.ChatSession, input string) (*Result, error) {
	opts := agent.Options{
		Model:    a.model,
		MaxTurns: a.maxTurns,
	}

	var project *models.Project
	if session.ProjectID != 0 {
		p, err := a.store.GetProject(ctx, session.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load project: %w", err)
		}
		project = p
	}
	if project != nil && project.SystemPrompt.Valid {
		opts.SystemPrompt = project.SystemPrompt.String
	}

	block, err := a.contextBlock(ctx, session, project, input)
	if err != nil {
		return nil, err
	}

	prompt := input
	if block != "" {
		prompt = "<relay-context>\n" + block + "</relay-context>\n\n" + input
	}

	return &Result{Prompt: prompt, Options: opts}, nil
}

// contextBlock renders summary, memory, and history sections, dropping the
// oldest history first when the budget is exceeded.
func (a *HistoryAssembler) contextBlock(ctx context.Context, session *models.ChatSession, project *models.Project, input string) (string, error) {
	budget := a.tokenBudget - a.countTokens(input)
	if budget <= 0 {
		return "", nil
	}

	var header strings.Builder

	summary, err := a.store.GetSummary(ctx, session.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load summary: %w", err)
	}
	if summary != nil && summary.Summary != "" {
		header.WriteString("## Conversation summary\n")
		header.WriteString(summary.Summary)
		header.WriteString("\n\n")
	}

	if project != nil {
		entries, err := a.store.ListEntries(ctx, project.ID, 10)
		if err != nil {
			return "", fmt.Errorf("failed to load memory entries: %w", err)
		}
		if len(entries) > 0 {
			header.WriteString("## Project memory\n")
			for _, e := range entries {
				fmt.Fprintf(&header, "- [%s] %s: %s\n", e.Category, e.Title, e.Content)
			}
			header.WriteString("\n")
		}
	}

	budget -= a.countTokens(header.String())
	if budget < 0 {
		budget = 0
	}

	messages, err := a.store.RecentMessages(ctx, session.PublicID, a.maxMessages)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	history := a.renderHistory(messages, budget)

	if header.Len() == 0 && history == "" {
		return "", nil
	}

	var out strings.Builder
	out.WriteString(header.String())
	if history != "" {
		out.WriteString("## Recent messages\n")
		out.WriteString(history)
	}
	return out.String(), nil
}

// renderHistory formats messages newest-budgeted: lines are built from the
// end and older ones dropped once the budget runs out.
func (a *HistoryAssembler) renderHistory(messages []*models.ChatMessage, budget int) string {
	if budget <= 0 || len(messages) == 0 {
		return ""
	}

	lines := make([]string, 0, len(messages))
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		line := fmt.Sprintf("%s: %s\n", msg.Role, msg.Content)
		cost := a.countTokens(line)
		if used+cost > budget {
			log.Debug().
				Int("kept", len(lines)).
				Int("dropped", i+1).
				Msg("History trimmed to token budget")
			break
		}
		lines = append(lines, line)
		used += cost
	}

	// Reverse back to chronological order.
	var out strings.Builder
	for i := len(lines) - 1; i >= 0; i-- {
		out.WriteString(lines[i])
	}
	return out.String()
}

func (a *HistoryAssembler) countTokens(text string) int {
	ids, _, err := a.codec.Encode(text)
	if err != nil {
		// Rough fallback when encoding fails.
		return len(text) / 4
	}
	return len(ids)
}
