// Package llm provides the language model client used to turn
// transcripts into structured intents.
package llm

import (
	"context"
)

// Client is the model interface the agent consumes: one prompt in, one
// raw completion out.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Ping(ctx context.Context) error
}
