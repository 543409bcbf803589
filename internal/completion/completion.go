// Package completion sends a conversation to a language model and returns
// the assistant's reply.
package completion

import (
	"context"
	"fmt"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body posted to the completion endpoint.
type Request struct {
	// ClientID scopes the request for fair scheduling; it is not sent.
	ClientID string    `json:"-"`
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`
}

// Client produces the assistant reply for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// TransportError reports a non-2xx response from the endpoint.
type TransportError struct {
	StatusCode int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// ApplicationError reports an error body returned with a 2xx status, or a
// provider failure.
type ApplicationError struct {
	Message string
	Details string
	Err     error
}

// Error prefers the details text over the error text.
func (e *ApplicationError) Error() string {
	if e.Details != "" {
		return e.Details
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
