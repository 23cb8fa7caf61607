// Package llm talks to chat completion backends with role-tagged messages.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyCompletion is returned when a backend answers with no text
var ErrEmptyCompletion = errors.New("empty completion")

// Message is one role-tagged chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request against one model
type Request struct {
	Model    string
	Messages []Message
}

// Backend sends completion requests to one provider
type Backend interface {
	// Name returns the backend identifier (e.g. "openai")
	Name() string
	// Complete returns the completion text for req
	Complete(ctx context.Context, req *Request) (string, error)
	// Close releases backend resources
	Close() error
}

// SystemMessage builds a system message
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// cleanCompletion trims the completion and rejects empty text
func cleanCompletion(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
