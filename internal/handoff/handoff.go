// Package handoff carries the landing view's first message to the chat view
// under an opaque single-use token.
package handoff

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyToken is returned by Put when there is nothing to hand off.
var ErrEmptyToken = errors.New("handoff: nothing to hand off")

// Pending is the transient state written by the landing view.
type Pending struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// Empty reports whether the pending message carries no text.
func (p Pending) Empty() bool {
	return strings.TrimSpace(p.Message) == ""
}

// Store persists pending handoffs. Take must return a given token's value at
// most once.
type Store interface {
	Put(ctx context.Context, p Pending) (string, error)
	Take(ctx context.Context, token string) (Pending, bool, error)
}

func newToken() string {
	return uuid.NewString()
}
