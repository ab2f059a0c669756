package llm

import (
	"context"
	"encoding/json"
	"time"

	"convod/internal/chat"
)

// ToolSpec is the provider-facing wrapper around a stored tool schema:
// {type:"function", function:<schema>}.
type ToolSpec struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

type ChatRequest struct {
	Model       string
	Messages    []chat.LLMMessage
	MaxTokens   int
	Temperature float64
	Tools       []ToolSpec
}

// ResponseMessage is the single completion choice returned by the provider.
// Content may be empty when the model requests a tool call instead.
type ResponseMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []chat.ToolCall `json:"tool_calls,omitempty"`
}

type ChatResponse struct {
	Message ResponseMessage
	Latency time.Duration
}

// Provider is the synchronous LLM boundary: one conversation in, one
// completion out. Retry and backoff live inside implementations, not in the
// conversation engine.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
