package anthropic_messages

import (
	"context"
	"fmt"

	"convod/internal/llm"
)

type Client struct{}

func New() *Client { return &Client{} }

var _ llm.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, fmt.Errorf("anthropic_messages provider is not enabled yet")
}
