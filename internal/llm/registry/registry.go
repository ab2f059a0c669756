package registry

import (
	"fmt"
	"net/http"
	"time"

	"convod/internal/llm"
	"convod/internal/llm/anthropic_messages"
	"convod/internal/llm/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (llm.Provider, error) {
	switch opts.Kind {
	case "openai_compat", "openai-compatible", "openai":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "anthropic_messages", "anthropic":
		return anthropic_messages.New(), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// SupportsTools reports whether the provider kind can carry tool specs in
// its requests. Configs that enable tools on a kind without tool support
// must be rejected at load time, before any conversation reaches Build.
func SupportsTools(kind string) bool {
	switch kind {
	case "openai_compat", "openai-compatible", "openai":
		return true
	default:
		return false
	}
}
