package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"convod/internal/chat"
	"convod/internal/llm"
	"convod/internal/llm/registry"
	"convod/internal/llmconfig"
	"convod/internal/metrics"
	"convod/internal/prompt"
	"convod/internal/storage"
	"convod/internal/tools"
)

// userMessageVar is the placeholder a user_prompt_template uses for the raw
// user text.
const userMessageVar = "user_msg"

type Options struct {
	PromptName      string
	ChatHistoryID   *int64
	Initialize      bool
	InitContextVars map[string]string

	Store   *storage.Store
	Configs *llmconfig.Registry

	// Provider overrides the one built from the resolved llm config; tests
	// and embedding code inject fakes through it.
	Provider    llm.Provider
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type initialMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnResult is what one completed turn hands back to the caller. ToolData
// is set only for tool-assisted answers, so privileged callers can render
// tool provenance.
type TurnResult struct {
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	ToolData *chat.ToolData `json:"tool_data,omitempty"`
}

// CompletionPrompts is the result of a one-shot template render, outside any
// conversation.
type CompletionPrompts struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// Wrapper drives one conversation against the LLM boundary: it renders
// prompts from the template, keeps the history consistent, and runs the
// tool-call round-trip when the model asks for one.
type Wrapper struct {
	promptName      string
	template        storage.PromptTemplateWithTools
	requiredKwargs  []string
	loggedVars      map[string]struct{}
	initialMessages []initialMessage
	history         *chat.History
	toolset         *tools.Toolset
	config          llmconfig.Config
	provider        llm.Provider
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

func New(ctx context.Context, opts Options) (*Wrapper, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.Global()
	}

	tmpl, err := opts.Store.GetTemplateByName(ctx, opts.PromptName)
	if err != nil {
		return nil, fmt.Errorf("prompt template %q: %w", opts.PromptName, err)
	}

	var requiredKwargs []string
	if err := json.Unmarshal([]byte(orDefault(tmpl.RequiredKwargsJSON, "[]")), &requiredKwargs); err != nil {
		return nil, fmt.Errorf("prompt template %q: parse required kwargs: %w", opts.PromptName, err)
	}
	var initialMessages []initialMessage
	if err := json.Unmarshal([]byte(orDefault(tmpl.InitialMessagesJSON, "[]")), &initialMessages); err != nil {
		return nil, fmt.Errorf("prompt template %q: parse initial messages: %w", opts.PromptName, err)
	}
	var loggedList []string
	if err := json.Unmarshal([]byte(orDefault(tmpl.LoggedContextJSON, "[]")), &loggedList); err != nil {
		return nil, fmt.Errorf("prompt template %q: parse logged context vars: %w", opts.PromptName, err)
	}
	loggedVars := make(map[string]struct{}, len(loggedList))
	for _, name := range loggedList {
		loggedVars[name] = struct{}{}
	}

	toolset, err := tools.Compile(tmpl.Tools, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("prompt template %q: %w", opts.PromptName, err)
	}

	config, ok := opts.Configs.Get(tmpl.LLMConfigName)
	if !ok {
		return nil, fmt.Errorf("prompt template %q: llm config %q not loaded", opts.PromptName, tmpl.LLMConfigName)
	}
	if toolset.Len() > 0 && !config.ToolsEnabled {
		return nil, fmt.Errorf("prompt template %q: tools attached but disabled in llm config %q", opts.PromptName, config.Name)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = registry.Build(registry.BuildOptions{
			Kind:        config.Kind,
			BaseURL:     config.BaseURL,
			APIKey:      config.APIKey,
			Headers:     config.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		})
		if err != nil {
			return nil, fmt.Errorf("prompt template %q: build provider: %w", opts.PromptName, err)
		}
	}

	history, err := chat.Open(ctx, opts.Store, opts.ChatHistoryID, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("prompt template %q: open chat history: %w", opts.PromptName, err)
	}

	w := &Wrapper{
		promptName:      opts.PromptName,
		template:        tmpl,
		requiredKwargs:  requiredKwargs,
		loggedVars:      loggedVars,
		initialMessages: initialMessages,
		history:         history,
		toolset:         toolset,
		config:          config,
		provider:        provider,
		logger:          opts.Logger,
		metrics:         m,
	}

	if opts.Initialize {
		if opts.ChatHistoryID != nil {
			w.logger.Error().Int64("chat_id", history.ID()).Msg("cannot initialize an already created chat history, skipping")
		} else if err := w.initializeHistory(ctx, opts.InitContextVars, true); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (w *Wrapper) ChatHistoryID() int64 {
	return w.history.ID()
}

func (w *Wrapper) History() *chat.History {
	return w.history
}

// initializeHistory renders the system prompt and the template's initial
// messages as one batch. Initial messages are model-priming material, never
// shown in the user transcript.
func (w *Wrapper) initializeHistory(ctx context.Context, contextVars map[string]string, persist bool) error {
	systemPrompt, err := prompt.Render(w.template.SystemPromptTemplate, contextVars)
	if err != nil {
		return fmt.Errorf("render system prompt: %w", err)
	}

	msgs := []chat.Message{{Role: chat.RoleSystem, Content: systemPrompt}}
	for _, im := range w.initialMessages {
		content, err := prompt.Render(im.Content, contextVars)
		if err != nil {
			return fmt.Errorf("render initial message: %w", err)
		}
		msgs = append(msgs, chat.Message{
			Role:              im.Role,
			Content:           content,
			SystemGenerated:   true,
			ShowInUserHistory: chat.Hidden(),
		})
	}

	w.history.Append(msgs)
	if persist {
		if err := w.history.Persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refreshHistory re-renders the system message from the latest context vars,
// or initializes the whole history when it is still empty. The system
// message always reflects the current turn's context, not the first one's.
func (w *Wrapper) refreshHistory(ctx context.Context, contextVars map[string]string) error {
	if w.history.IsEmpty() {
		return w.initializeHistory(ctx, contextVars, false)
	}
	systemPrompt, err := prompt.Render(w.template.SystemPromptTemplate, contextVars)
	if err != nil {
		return fmt.Errorf("render system prompt: %w", err)
	}
	return w.history.OverwriteSystemMessage(systemPrompt)
}

// finalUserMessage builds the message actually sent to the model: the raw
// user text wrapped in user_prompt_template when the template defines one.
// The stored user message stays unwrapped; the two intentionally differ.
func (w *Wrapper) finalUserMessage(userMsg string, contextVars map[string]string) (chat.LLMMessage, error) {
	content := userMsg
	if w.template.UserPromptTemplate != "" {
		vars := make(map[string]string, len(contextVars)+1)
		for k, v := range contextVars {
			vars[k] = v
		}
		vars[userMessageVar] = userMsg
		rendered, err := prompt.Render(w.template.UserPromptTemplate, vars)
		if err != nil {
			return chat.LLMMessage{}, fmt.Errorf("render user prompt: %w", err)
		}
		content = rendered
	}
	return chat.LLMMessage{Role: chat.RoleUser, Content: content}, nil
}

// SendUserMessage runs one full turn: validate, refresh the system message,
// send the conversation, dispatch at most one tool call, persist, answer.
func (w *Wrapper) SendUserMessage(ctx context.Context, userMsg string, contextVars map[string]string) (TurnResult, error) {
	if contextVars == nil {
		contextVars = map[string]string{}
	}
	if err := prompt.CheckRequired(w.requiredKwargs, contextVars); err != nil {
		return TurnResult{}, err
	}

	filtered := map[string]string{}
	for k, v := range contextVars {
		if _, ok := w.loggedVars[k]; ok {
			filtered[k] = v
		}
	}

	if err := w.refreshHistory(ctx, contextVars); err != nil {
		return TurnResult{}, err
	}

	outbound, err := w.history.MessagesForLLM()
	if err != nil {
		return TurnResult{}, err
	}
	finalMsg, err := w.finalUserMessage(userMsg, contextVars)
	if err != nil {
		return TurnResult{}, err
	}
	outbound = append(outbound, finalMsg)

	w.history.Append([]chat.Message{{
		Role:        chat.RoleUser,
		Content:     userMsg,
		ContextVars: filtered,
	}})

	resp, err := w.chat(ctx, outbound)
	if err != nil {
		return TurnResult{}, fmt.Errorf("chat history %d: llm call: %w", w.history.ID(), err)
	}

	if len(resp.Message.ToolCalls) > 0 {
		return w.handleToolCall(ctx, resp, contextVars, outbound)
	}

	w.history.Append([]chat.Message{{
		Role:                  chat.RoleAssistant,
		Content:               resp.Message.Content,
		MessageGenerationTime: roundSeconds(resp.Latency),
	}})
	if err := w.history.Persist(ctx); err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Type: "bot", Message: resp.Message.Content}, nil
}

// handleToolCall runs the tool round-trip for the first requested call;
// additional calls in the same response are ignored by design.
func (w *Wrapper) handleToolCall(ctx context.Context, resp llm.ChatResponse, contextVars map[string]string, outbound []chat.LLMMessage) (TurnResult, error) {
	tc := resp.Message.ToolCalls[0]
	toolName := tc.Function.Name

	if !w.toolset.Has(toolName) {
		w.logger.Error().Int64("chat_id", w.history.ID()).Str("tool", toolName).Msg("unexpected tool call")
		return TurnResult{}, nil
	}
	w.metrics.ToolCalls.Inc()

	modelArgs := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &modelArgs); err != nil {
			return TurnResult{}, fmt.Errorf("chat history %d: parse arguments of tool %q: %w", w.history.ID(), toolName, err)
		}
	}

	contextArgs := w.toolset.ContextArgs(toolName, contextVars)
	args := make(map[string]any, len(modelArgs)+len(contextArgs))
	for k, v := range modelArgs {
		args[k] = v
	}
	for k, v := range contextArgs {
		if _, clash := modelArgs[k]; clash {
			return TurnResult{}, fmt.Errorf("chat history %d: tool %q: argument %q supplied by both model and context", w.history.ID(), toolName, k)
		}
		args[k] = v
	}

	output, invokeErr := w.toolset.Invoke(ctx, toolName, args)
	var packaged string
	if invokeErr != nil {
		w.metrics.ToolFailures.Inc()
		w.logger.Error().Err(invokeErr).Int64("chat_id", w.history.ID()).Str("tool", toolName).Msg("error in tool call")
		packaged = packageToolResponse(false, "Got error in tool call")
	} else {
		w.logger.Info().Int64("chat_id", w.history.ID()).Str("tool", toolName).Str("output", output).Msg("got tool output")
		packaged = packageToolResponse(true, output)
	}

	toolCallMsg := chat.Message{
		Role:          chat.RoleAssistant,
		Content:       "",
		ToolCalls:     []chat.ToolCall{tc},
		ToolCallID:    tc.ID,
		ContextParams: contextArgs,
	}
	toolResultMsg := chat.Message{
		Role:       chat.RoleTool,
		ToolCallID: tc.ID,
		Name:       toolName,
		Content:    packaged,
	}

	extended := append(outbound,
		chat.LLMMessage{Role: chat.RoleAssistant, Content: "", ToolCalls: []chat.ToolCall{tc}},
		chat.LLMMessage{Role: chat.RoleTool, Content: packaged, ToolCallID: tc.ID, Name: toolName},
	)
	followUp, err := w.chat(ctx, extended)
	if err != nil {
		return TurnResult{}, fmt.Errorf("chat history %d: post tool call llm call: %w", w.history.ID(), err)
	}

	followUpMsg := chat.Message{
		Role:                  chat.RoleAssistant,
		Content:               followUp.Message.Content,
		MessageGenerationTime: roundSeconds(followUp.Latency),
	}

	w.history.Append([]chat.Message{toolCallMsg, toolResultMsg, followUpMsg})
	if err := w.history.Persist(ctx); err != nil {
		return TurnResult{}, err
	}

	return TurnResult{
		Type:    "bot",
		Message: followUp.Message.Content,
		ToolData: &chat.ToolData{
			UsedTool:    toolName,
			ToolCalls:   []chat.ToolCall{tc},
			ToolContent: packaged,
		},
	}, nil
}

// OneTimeCompletion renders the template's prompts once, without touching
// any conversation.
func (w *Wrapper) OneTimeCompletion(contextVars map[string]string) (CompletionPrompts, error) {
	if contextVars == nil {
		contextVars = map[string]string{}
	}
	if err := prompt.CheckRequired(w.requiredKwargs, contextVars); err != nil {
		return CompletionPrompts{}, err
	}
	systemPrompt, err := prompt.Render(w.template.SystemPromptTemplate, contextVars)
	if err != nil {
		return CompletionPrompts{}, fmt.Errorf("render system prompt: %w", err)
	}
	userPrompt := ""
	if w.template.UserPromptTemplate != "" {
		vars := make(map[string]string, len(contextVars)+1)
		for k, v := range contextVars {
			vars[k] = v
		}
		if _, ok := vars[userMessageVar]; !ok {
			vars[userMessageVar] = ""
		}
		userPrompt, err = prompt.Render(w.template.UserPromptTemplate, vars)
		if err != nil {
			return CompletionPrompts{}, fmt.Errorf("render user prompt: %w", err)
		}
	}
	return CompletionPrompts{SystemPrompt: systemPrompt, UserPrompt: userPrompt}, nil
}

func (w *Wrapper) chat(ctx context.Context, msgs []chat.LLMMessage) (llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       w.config.Model,
		Messages:    msgs,
		MaxTokens:   w.config.MaxTokens,
		Temperature: w.config.Temperature,
	}
	if w.toolset.Len() > 0 {
		req.Tools = w.toolset.Specs()
	}
	resp, err := w.provider.Chat(ctx, req)
	if err == nil {
		w.metrics.LLMLatency.Observe(resp.Latency.Seconds())
	}
	return resp, err
}

type toolResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func packageToolResponse(ok bool, message string) string {
	status := "OK"
	if !ok {
		status = "Failed"
	}
	b, _ := json.Marshal(toolResponse{Status: status, Message: message})
	return string(b)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
