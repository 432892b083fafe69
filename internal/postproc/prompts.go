package postproc

import (
	"fmt"
	"strings"

	"github.com/thebtf/relay/internal/privacy"
	"github.com/thebtf/relay/pkg/models"
)

// renderTranscript formats messages for a post-processing prompt. Private
// and injected-context spans never leave the process.
func renderTranscript(messages []*models.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		content := privacy.Clean(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}

func summaryPrompt(transcript string) string {
	return fmt.Sprintf(`Summarize the following conversation in at most 200 words.
Capture decisions, open questions, and the current state of the work.
Respond with the summary text only, no preamble.

Conversation:
%s`, transcript)
}

func memoryPrompt(transcript string) string {
	categories := make([]string, len(models.MemoryCategories))
	for i, c := range models.MemoryCategories {
		categories[i] = string(c)
	}
	return fmt.Sprintf(`Extract up to 3 durable facts worth remembering from the conversation below.
Respond with a JSON array only. Each element must have:
  "category": one of %s
  "title": short unique label
  "content": one or two sentences
  "tags": optional string array

Skip small talk and transient details. Respond with [] when nothing qualifies.

Conversation:
%s`, strings.Join(categories, ", "), transcript)
}
