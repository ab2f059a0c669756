package openai_compat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"convod/internal/chat"
	"convod/internal/llm"
)

func TestChatSendsPayloadAndParsesResponse(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), llm.ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []chat.LLMMessage{{Role: "user", Content: "hi"}},
		MaxTokens:   256,
		Temperature: 0.7,
		Tools:       []llm.ToolSpec{{Type: "function", Function: []byte(`{"name":"echo"}`)}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Fatalf("unexpected endpoint path %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Fatalf("model missing from payload: %v", gotBody)
	}
	if gotBody["max_tokens"] != float64(256) {
		t.Fatalf("max_tokens missing from payload: %v", gotBody)
	}
	if _, ok := gotBody["tools"]; !ok {
		t.Fatalf("tools missing from payload: %v", gotBody)
	}
	if resp.Message.Content != "hello" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Latency <= 0 {
		t.Fatalf("latency not measured")
	}
}

func TestChatOmitsUnsetParams(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []chat.LLMMessage{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	for _, key := range []string{"max_tokens", "temperature", "tools"} {
		if _, ok := gotBody[key]; ok {
			t.Fatalf("payload must omit unset %q: %v", key, gotBody)
		}
	}
}

func TestChatToolCallsWithNullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []chat.LLMMessage{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Content != "" {
		t.Fatalf("expected empty content, got %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "lookup" {
		t.Fatalf("tool calls not parsed: %+v", resp.Message.ToolCalls)
	}
}

func TestChatRetriesTemporaryStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"recovered"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []chat.LLMMessage{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if resp.Message.Content != "recovered" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	if _, err := c.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []chat.LLMMessage{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
}

func TestChatHeaderTemplating(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Headers: map[string]string{"X-Api-Key": "{{api_key}}"},
	})
	if _, err := c.Chat(context.Background(), llm.ChatRequest{Model: "m", Messages: []chat.LLMMessage{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if gotHeader != "secret" {
		t.Fatalf("header templating failed: %q", gotHeader)
	}
}

func TestBuildEndpointURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.example.com/v1", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1/", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		c := New(Config{BaseURL: tc.base})
		got, err := c.buildEndpointURL()
		if err != nil {
			t.Fatalf("%s: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestParseChatCompletionContentParts(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}}]}`)
	msg, err := parseChatCompletion(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Content != "part one\npart two" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
}

func TestParseChatCompletionRejectsEmpty(t *testing.T) {
	if _, err := parseChatCompletion([]byte(`{"choices":[]}`)); err == nil {
		t.Fatalf("expected error for empty choices")
	}
	if _, err := parseChatCompletion([]byte(`{"choices":[{"message":{"role":"assistant","content":null}}]}`)); err == nil {
		t.Fatalf("expected error for message without content or tool calls")
	}
}
