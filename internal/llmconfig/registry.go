package llmconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"convod/internal/crypto"
	"convod/internal/llm/registry"
	"convod/internal/storage"
)

// Config is one resolved model configuration: provider coordinates plus
// request parameters, with the API key already decrypted.
type Config struct {
	Name         string
	Kind         string
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	Headers      map[string]string
	ToolsEnabled bool
}

type params struct {
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Headers     map[string]string `json:"headers"`
}

// Registry is the process-wide set of model configurations, loaded once at
// startup and immutable afterwards. Changing a config row requires a
// restart, which re-runs validation.
type Registry struct {
	configs map[string]Config
}

func Load(ctx context.Context, store *storage.Store, keyring *crypto.Keyring) (*Registry, error) {
	rows, err := store.ListLLMConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load llm configs: %w", err)
	}

	configs := make(map[string]Config, len(rows))
	for _, row := range rows {
		if row.ToolsEnabled && !registry.SupportsTools(row.Kind) {
			return nil, fmt.Errorf("llm config %q: tools enabled but provider kind %q cannot carry tool calls", row.Name, row.Kind)
		}
		p := params{MaxTokens: 1024, Temperature: 0.7}
		if raw := strings.TrimSpace(row.ParamsJSON); raw != "" {
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return nil, fmt.Errorf("llm config %q: parse params: %w", row.Name, err)
			}
		}

		apiKey := ""
		if row.EncAPIKey != nil && strings.TrimSpace(*row.EncAPIKey) != "" {
			apiKey, err = keyring.OpenString(*row.EncAPIKey)
			if err != nil {
				return nil, fmt.Errorf("llm config %q: decrypt api key: %w", row.Name, err)
			}
		}

		configs[row.Name] = Config{
			Name:         row.Name,
			Kind:         row.Kind,
			BaseURL:      row.BaseURL,
			APIKey:       apiKey,
			Model:        row.Model,
			MaxTokens:    p.MaxTokens,
			Temperature:  p.Temperature,
			Headers:      p.Headers,
			ToolsEnabled: row.ToolsEnabled,
		}
	}

	return &Registry{configs: configs}, nil
}

func (r *Registry) Get(name string) (Config, bool) {
	c, ok := r.configs[name]
	return c, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.configs))
	for name := range r.configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateTemplates checks that every prompt template's llm_config_name
// resolves against the loaded registry. A template pointing at a missing
// config is a deployment error caught at startup, not at first use.
func (r *Registry) ValidateTemplates(ctx context.Context, store *storage.Store) error {
	names, err := store.ListTemplateConfigNames(ctx)
	if err != nil {
		return fmt.Errorf("list template config names: %w", err)
	}
	var missing []string
	for _, name := range names {
		if _, ok := r.configs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("llm configs referenced by templates but not loaded: %s", strings.Join(missing, ", "))
	}
	return nil
}
