package session

import (
	"context"
	"errors"
	"strings"

	"github.com/askqwen/gptuidemo/internal/completion"
	"github.com/askqwen/gptuidemo/internal/handoff"
	"github.com/askqwen/gptuidemo/internal/models"
)

var (
	// ErrUnknownModel is returned by SetModel for ids outside the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("chat view closed")
)

// Store is the chat persistence the controller depends on.
type Store interface {
	SaveChat(ctx context.Context, chat models.Chat) error
	GetAllChats(ctx context.Context) ([]models.Chat, error)
	GetChat(ctx context.Context, id string) (models.Chat, error)
	DeleteChat(ctx context.Context, id string) error
	SetCurrentChatID(ctx context.Context, id string) error
	GetCurrentChatID(ctx context.Context) (string, bool, error)
}

// HandoffTaker resolves landing handoff tokens.
type HandoffTaker interface {
	Take(ctx context.Context, token string) (handoff.Pending, bool, error)
}

type Phase string

const (
	PhaseEmpty   Phase = "empty"
	PhaseActive  Phase = "active"
	PhaseLoading Phase = "loading"
)

// State is a snapshot of the chat view.
type State struct {
	ChatID   string               `json:"chatId,omitempty"`
	Title    string               `json:"title,omitempty"`
	Messages []models.ChatMessage `json:"messages"`
	Model    string               `json:"model"`
	Loading  bool                 `json:"loading"`
	Phase    Phase                `json:"phase"`
}

// Input is one user submission. Attachments only count towards deciding
// whether the submission is empty; their content is not sent.
type Input struct {
	Text        string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

func (in Input) empty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0
}

// TurnResult describes how one submission ended.
type TurnResult struct {
	ChatID string `json:"chatId,omitempty"`
	// Skipped is set for empty submissions; nothing was sent.
	Skipped bool `json:"skipped,omitempty"`
	// Discarded is set when the view moved on before the reply arrived.
	Discarded bool `json:"discarded,omitempty"`
	// Failed is set when the reply is the failure message.
	Failed bool                `json:"failed,omitempty"`
	Reply  *models.ChatMessage `json:"reply,omitempty"`
}

const (
	failureTemplate = "Sorry, an error occurred while processing your message: "
	unknownError    = "Unknown error"
)

// failureMessage renders err as the assistant message shown in place of a
// reply.
func failureMessage(err error) string {
	var detail string
	var te *completion.TransportError
	var ae *completion.ApplicationError
	switch {
	case err == nil:
	case errors.As(err, &te):
		detail = te.Error()
	case errors.As(err, &ae):
		detail = ae.Error()
	default:
		detail = err.Error()
	}
	if strings.TrimSpace(detail) == "" {
		detail = unknownError
	}
	return failureTemplate + detail
}
