// Package privacy provides privacy tag handling for relay.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// privateTagRegex matches <private>...</private> tags
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// contextTagRegex matches <relay-context>...</relay-context> tags,
	// the wrapper the assembler puts around injected memory context
	contextTagRegex = regexp.MustCompile(`(?s)<relay-context>.*?</relay-context>`)
)

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// StripContextTags removes all <relay-context>...</relay-context> content from text.
func StripContextTags(text string) string {
	return contextTagRegex.ReplaceAllString(text, "")
}

// StripAllTags removes both private and injected context tags.
func StripAllTags(text string) string {
	text = StripPrivateTags(text)
	text = StripContextTags(text)
	return text
}

// IsEntirelyPrivate checks if the text is entirely within <private> tags.
func IsEntirelyPrivate(text string) bool {
	stripped := StripPrivateTags(text)
	return strings.TrimSpace(stripped) == ""
}

// Clean performs full privacy cleaning on text.
// This is the main function to use before storing any user content.
func Clean(text string) string {
	text = StripAllTags(text)
	return strings.TrimSpace(text)
}
