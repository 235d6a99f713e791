// Package llm implements the outbound LLM call (spec §6.2): the Provider
// interface, an HTTP implementation, and the code-fence payload extraction
// of §4.3.1. Grounded on the pack's mako10k-llmcmd broker shape.
package llm

import "context"

// Provider is the minimal interface the executor needs to call an LLM backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is a single LLM call (spec §6.2: fixed model, fixed system
// prompt selected from style, plus the user prompt).
type ChatRequest struct {
	Model    string
	Messages []Message
}

// Usage is the token usage reported by the provider's response envelope,
// captured for recording in C2 (spec §6.2).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResponse is the provider's response. The executor concatenates every
// "text" segment's content to form the raw payload handed to extraction.
type ChatResponse struct {
	Segments []string
	Usage    Usage
}
