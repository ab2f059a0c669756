package chat

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is the provider-facing call descriptor, stored verbatim in the
// history so a transcript can be replayed against the provider.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the persisted chat log. Everything except the
// system message at index 0 is append-only.
type Message struct {
	Role                  string            `json:"role"`
	Content               string            `json:"content"`
	Timestamp             float64           `json:"timestamp,omitempty"`
	ID                    int64             `json:"id,omitempty"`
	ToolCalls             []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID            string            `json:"tool_call_id,omitempty"`
	Name                  string            `json:"name,omitempty"`
	ContextVars           map[string]string `json:"context_vars,omitempty"`
	ContextParams         map[string]any    `json:"context_params,omitempty"`
	MessageGenerationTime float64           `json:"message_generation_time,omitempty"`
	SystemGenerated       bool              `json:"system_generated,omitempty"`
	ShowInUserHistory     *bool             `json:"show_in_user_history,omitempty"`
}

// LLMMessage is the provider projection of a Message: only the fields the
// completion API understands for the given role.
type LLMMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolData carries tool provenance for privileged transcript viewers.
type ToolData struct {
	UsedTool    string     `json:"used_tool"`
	ToolCalls   []ToolCall `json:"tool_calls"`
	ToolContent string     `json:"tool_content"`
}

func boolPtr(v bool) *bool { return &v }

// Hidden marks a message as excluded from the user-facing transcript.
func Hidden() *bool { return boolPtr(false) }
