package storage

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultChatTitle is used when the first message carries no text.
	DefaultChatTitle = "New conversation"
	maxTitleRunes    = 50
)

// GenerateChatID returns a fresh time-ordered identifier.
func GenerateChatID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does
		return uuid.NewString()
	}
	return id.String()
}

// GenerateChatTitle derives a display title from message text.
func GenerateChatTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return DefaultChatTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
