package storage

import "time"

type LLMConfig struct {
	Name         string
	Kind         string
	BaseURL      string
	EncAPIKey    *string
	Model        string
	ParamsJSON   string
	ToolsEnabled bool
	CreatedAt    time.Time
}

type Tool struct {
	ID                int64
	Name              string
	ToolCode          string
	ToolJSONSpec      string
	ContextParamsJSON string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type PromptTemplate struct {
	ID                   int64
	Name                 string
	LLMConfigName        string
	Type                 *string
	RequiredKwargsJSON   string
	InitialMessagesJSON  string
	SystemPromptTemplate string
	UserPromptTemplate   string
	LoggedContextJSON    string
	CreatedAt            time.Time
}

type PromptTemplateWithTools struct {
	PromptTemplate
	Tools []Tool
}

type ChatRecord struct {
	ID          int64
	HistoryJSON string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
