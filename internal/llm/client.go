// Package llm provides model backends for Scout. Every backend exposes
// incremental chat generation over a message list and a batched,
// order-preserving completion call used for page summarization.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Stream starts an incremental generation. Fragments are pulled
	// from the returned Stream until it reports false from Next or the
	// caller closes it early.
	Stream(ctx context.Context, model string, messages []Message, s Sampling) (Stream, error)

	// Complete runs one non-streaming completion per prompt. The result
	// has one entry per prompt in request order.
	Complete(ctx context.Context, model string, prompts []string, s Sampling) ([]string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Stream is a pull iterator over generated text fragments.
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}
