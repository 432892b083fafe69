package assemble

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/relay/pkg/models"
)

type fakeStore struct {
	project  *models.Project
	messages []*models.ChatMessage
	summary  *models.MemorySummary
	entries  []*models.MemoryEntry
}

func (f *fakeStore) GetProject(_ context.Context, _ int64) (*models.Project, error) {
	return f.project, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, _ string, n int) ([]*models.ChatMessage, error) {
	if n > len(f.messages) {
		n = len(f.messages)
	}
	return f.messages[len(f.messages)-n:], nil
}

func (f *fakeStore) GetSummary(_ context.Context, _ int64) (*models.MemorySummary, error) {
	return f.summary, nil
}

func (f *fakeStore) ListEntries(_ context.Context, _ int64, _ int) ([]*models.MemoryEntry, error) {
	return f.entries, nil
}

func newTestAssembler(t *testing.T, store Store, budget int) *HistoryAssembler {
	t.Helper()
	a, err := New(store, Config{
		TokenBudget: budget,
		MaxMessages: 40,
		Model:       "claude-sonnet-4-5",
		MaxTurns:    25,
	})
	require.NoError(t, err)
	return a
}

func testSession() *models.ChatSession {
	return &models.ChatSession{ID: 1, PublicID: "sess-1", OwnerID: "alice", ProjectID: 7}
}

func TestAssembleEmptyHistory(t *testing.T) {
	a := newTestAssembler(t, &fakeStore{}, 16000)

	res, err := a.Assemble(context.Background(), &models.ChatSession{ID: 1, PublicID: "sess-1"}, "hello")
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Prompt)
	assert.Equal(t, "claude-sonnet-4-5", res.Options.Model)
	assert.Equal(t, 25, res.Options.MaxTurns)
	assert.Empty(t, res.Options.SystemPrompt)
}

func TestAssembleInjectsContextBlock(t *testing.T) {
	store := &fakeStore{
		project: &models.Project{ID: 7, Name: "demo"},
		messages: []*models.ChatMessage{
			{Role: models.RoleUser, Content: "first question"},
			{Role: models.RoleAssistant, Content: "first answer"},
		},
		summary: &models.MemorySummary{SessionID: 1, Summary: "They discussed deployment."},
		entries: []*models.MemoryEntry{
			{Category: models.MemoryDecision, Title: "Use staging first", Content: "Deploy to staging before prod"},
		},
	}
	a := newTestAssembler(t, store, 16000)

	res, err := a.Assemble(context.Background(), testSession(), "next question")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Prompt, "<relay-context>\n"))
	assert.True(t, strings.HasSuffix(res.Prompt, "</relay-context>\n\nnext question"))
	assert.Contains(t, res.Prompt, "They discussed deployment.")
	assert.Contains(t, res.Prompt, "[decision] Use staging first")
	assert.Contains(t, res.Prompt, "user: first question")
	assert.Contains(t, res.Prompt, "assistant: first answer")
}

func TestAssembleProjectSystemPrompt(t *testing.T) {
	store := &fakeStore{
		project: &models.Project{
			ID:           7,
			Name:         "demo",
			SystemPrompt: sql.NullString{String: "You are terse.", Valid: true},
		},
	}
	a := newTestAssembler(t, store, 16000)

	res, err := a.Assemble(context.Background(), testSession(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "You are terse.", res.Options.SystemPrompt)
}

func TestAssembleTrimsOldestHistory(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 30; i++ {
		store.messages = append(store.messages, &models.ChatMessage{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message number %d with some padding text to consume tokens", i),
		})
	}
	a := newTestAssembler(t, store, 200)

	res, err := a.Assemble(context.Background(), &models.ChatSession{ID: 1, PublicID: "sess-1"}, "latest")
	require.NoError(t, err)

	// Newest messages survive, oldest are dropped.
	assert.Contains(t, res.Prompt, "message number 29")
	assert.NotContains(t, res.Prompt, "message number 0 ")
}

func TestAssembleBudgetExhaustedByInput(t *testing.T) {
	store := &fakeStore{
		messages: []*models.ChatMessage{{Role: models.RoleUser, Content: "old"}},
	}
	a := newTestAssembler(t, store, 10)

	long := strings.Repeat("lots of input text ", 50)
	res, err := a.Assemble(context.Background(), &models.ChatSession{ID: 1, PublicID: "sess-1"}, long)
	require.NoError(t, err)
	assert.Equal(t, long, res.Prompt)
}
