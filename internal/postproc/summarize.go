package postproc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// summarizeJob regenerates the session's rolling summary from its recent
// transcript. Summaries are per-project opt-in.
func (s *Scheduler) summarizeJob(ctx context.Context, sessionPublicID string, count int64) error {
	session, err := s.store.GetSessionByPublicID(ctx, sessionPublicID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session not found: %s", sessionPublicID)
	}
	if session.ProjectID == 0 {
		return nil
	}

	project, err := s.store.GetProject(ctx, session.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil || project.SummarizeEnabled == 0 {
		log.Debug().
			Str("sessionId", sessionPublicID).
			Msg("Summarization not enabled for project, skipping")
		return nil
	}

	messages, err := s.store.RecentMessages(ctx, sessionPublicID, summaryMessages)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	transcript := renderTranscript(messages)
	if transcript == "" {
		return nil
	}

	summary, err := s.gen.Generate(ctx, summaryPrompt(transcript))
	if err != nil {
		return fmt.Errorf("summary generation failed: %w", err)
	}
	if summary == "" {
		return nil
	}

	if err := s.store.UpsertSummary(ctx, session.ID, session.ProjectID, summary, count); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}

	s.summariesWritten.Add(ctx, 1)
	log.Info().
		Str("sessionId", sessionPublicID).
		Int64("messageCount", count).
		Msg("Session summary updated")
	return nil
}
