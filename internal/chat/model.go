// Package chat defines the chat-completion collaborator used by the
// AI-powered operations, plus the Amazon Bedrock implementation.
package chat

import (
	"context"
)

// Model is the chat-completion contract. Implementations must honor
// ctx cancellation and deadlines.
type Model interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}
