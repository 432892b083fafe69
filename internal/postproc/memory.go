package postproc

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/relay/pkg/models"
)

// memoryJob extracts durable memory entries from the recent transcript and
// stores the ones that survive validation and dedup.
func (s *Scheduler) memoryJob(ctx context.Context, sessionPublicID string, count int64) error {
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

	messages, err := s.store.RecentMessages(ctx, sessionPublicID, memoryMessages)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	transcript := renderTranscript(messages)
	if transcript == "" {
		return nil
	}

	raw, err := s.gen.Generate(ctx, memoryPrompt(transcript))
	if err != nil {
		return fmt.Errorf("memory generation failed: %w", err)
	}

	parsed, err := parseEntries(raw)
	if err != nil {
		return fmt.Errorf("failed to parse memory output: %w", err)
	}
	if len(parsed) > maxMemoryEntries {
		parsed = parsed[:maxMemoryEntries]
	}

	stored := 0
	for _, p := range parsed {
		if err := p.Validate(); err != nil {
			s.entriesRejected.Add(ctx, 1)
			log.Warn().
				Err(err).
				Str("sessionId", sessionPublicID).
				Str("title", p.Title).
				Msg("Discarding invalid memory entry")
			continue
		}
		inserted, err := s.store.InsertEntryDedup(ctx, models.NewMemoryEntry(session.ProjectID, session.ID, p))
		if err != nil {
			return fmt.Errorf("failed to store memory entry: %w", err)
		}
		if !inserted {
			log.Debug().
				Str("sessionId", sessionPublicID).
				Str("title", p.Title).
				Msg("Skipping duplicate memory entry")
			continue
		}
		stored++
	}

	if stored > 0 {
		s.entriesStored.Add(ctx, int64(stored))
		log.Info().
			Str("sessionId", sessionPublicID).
			Int("stored", stored).
			Msg("Memory entries extracted")
	}
	return nil
}

// parseEntries decodes the model's JSON array, stripping code fences and
// repairing malformed JSON before giving up.
func parseEntries(raw string) ([]*models.ParsedMemoryEntry, error) {
	cleaned := stripCodeFence(raw)
	if cleaned == "" || cleaned == "[]" {
		return nil, nil
	}

	var entries []*models.ParsedMemoryEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err == nil {
		return entries, nil
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, fmt.Errorf("unparseable output: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &entries); err != nil {
		return nil, fmt.Errorf("unparseable output after repair: %w", err)
	}
	return entries, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
