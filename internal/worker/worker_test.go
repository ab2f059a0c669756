package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convod/internal/llmconfig"
	"convod/internal/queue"
	"convod/internal/storage"
)

type fixture struct {
	store   *storage.Store
	results *queue.ResultStore
	lock    *queue.ConvoLock
	worker  *Worker
}

func setup(t *testing.T, rateLimit int64) fixture {
	return setupWith(t, rateLimit, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"worker says hi"}}]}`))
	})
}

func setupWith(t *testing.T, rateLimit int64, handler http.HandlerFunc) fixture {
	t.Helper()
	ctx := context.Background()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dsn := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.UpsertLLMConfig(ctx, storage.LLMConfig{
		Name:         "default",
		Kind:         "openai_compat",
		BaseURL:      srv.URL,
		Model:        "test-model",
		ToolsEnabled: true,
	}); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	if _, err := store.CreateTemplate(ctx, storage.PromptTemplate{
		Name:                 "tutor",
		LLMConfigName:        "default",
		RequiredKwargsJSON:   `["name"]`,
		SystemPromptTemplate: "You teach $name.",
	}, nil); err != nil {
		t.Fatalf("create template: %v", err)
	}
	toolID, err := store.UpsertTool(ctx, storage.Tool{
		Name:              "lookup",
		ToolCode:          "function lookup(args)\n  return args.q .. \":\" .. args.__user_id__\nend",
		ToolJSONSpec:      `{"name":"lookup","parameters":{"type":"object","properties":{"q":{"type":"string"}}}}`,
		ContextParamsJSON: `["__user_id__"]`,
	})
	if err != nil {
		t.Fatalf("upsert tool: %v", err)
	}
	if _, err := store.CreateTemplate(ctx, storage.PromptTemplate{
		Name:                 "tooled",
		LLMConfigName:        "default",
		RequiredKwargsJSON:   `["name"]`,
		SystemPromptTemplate: "You teach $name.",
	}, []int64{toolID}); err != nil {
		t.Fatalf("create tooled template: %v", err)
	}

	configs, err := llmconfig.Load(ctx, store, nil)
	if err != nil {
		t.Fatalf("load configs: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	results := queue.NewResultStore(rdb, time.Minute)
	lock := queue.NewConvoLock(rdb, time.Minute)
	w := New(Config{
		Store:       store,
		Configs:     configs,
		Queue:       queue.NewStreamQueue(rdb, "test:turns", "workers", "worker-1", 50*time.Millisecond),
		Results:     results,
		Lock:        lock,
		RateLimiter: queue.NewRateLimiter(rdb, rateLimit),
		Logger:      zerolog.Nop(),
	})
	return fixture{store: store, results: results, lock: lock, worker: w}
}

func TestProcessJobNewConversation(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	job := queue.TurnJob{
		JobID:       "job-1",
		PromptName:  "tutor",
		UserMessage: "hello",
		ContextVars: map[string]string{"name": "Ada"},
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if outcome.Error != "" {
		t.Fatalf("unexpected error outcome: %q", outcome.Error)
	}
	if outcome.ChatHistoryID <= 0 {
		t.Fatalf("new conversation id not reported: %+v", outcome)
	}
	if !strings.Contains(string(outcome.Result), "worker says hi") {
		t.Fatalf("turn result missing: %s", outcome.Result)
	}

	rec, err := fx.store.GetChatHistory(ctx, outcome.ChatHistoryID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !strings.Contains(rec.HistoryJSON, "worker says hi") {
		t.Fatalf("turn not persisted: %s", rec.HistoryJSON)
	}
}

func TestProcessJobBusyConversation(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	chatID, err := fx.store.CreateChatHistory(ctx)
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	if ok, err := fx.lock.Acquire(ctx, chatID); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}

	job := queue.TurnJob{
		JobID:         "job-busy",
		PromptName:    "tutor",
		ChatHistoryID: &chatID,
		UserMessage:   "hello",
		ContextVars:   map[string]string{"name": "Ada"},
	}
	if err := fx.worker.processJob(ctx, job); !errors.Is(err, errConversationBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
}

func TestProcessJobReleasesLock(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	chatID, err := fx.store.CreateChatHistory(ctx)
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	job := queue.TurnJob{
		JobID:         "job-2",
		PromptName:    "tutor",
		ChatHistoryID: &chatID,
		UserMessage:   "hello",
		ContextVars:   map[string]string{"name": "Ada"},
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	ok, err := fx.lock.Acquire(ctx, chatID)
	if err != nil {
		t.Fatalf("acquire after job: %v", err)
	}
	if !ok {
		t.Fatalf("lock must be released after the job")
	}
}

func TestProcessJobRateLimited(t *testing.T) {
	fx := setup(t, 0)
	ctx := context.Background()

	chatID, err := fx.store.CreateChatHistory(ctx)
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	job := queue.TurnJob{
		JobID:         "job-limited",
		PromptName:    "tutor",
		ChatHistoryID: &chatID,
		UserMessage:   "hello",
		ContextVars:   map[string]string{"name": "Ada"},
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-limited")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if !strings.Contains(outcome.Error, "Turn limit reached") {
		t.Fatalf("expected rate limit outcome, got %+v", outcome)
	}
}

func TestProcessJobUnknownTemplate(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	job := queue.TurnJob{JobID: "job-nope", PromptName: "nope", UserMessage: "hello"}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("unknown template must be terminal, got %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-nope")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if !strings.Contains(outcome.Error, "Unknown prompt template") {
		t.Fatalf("expected template outcome, got %+v", outcome)
	}
}

func toolTurnHandler() http.HandlerFunc {
	var calls int
	return func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls%2 == 1 {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"the answer"}}]}`))
	}
}

func TestProcessJobPrivilegedToolProvenance(t *testing.T) {
	fx := setupWith(t, 10, toolTurnHandler())
	ctx := context.Background()

	job := queue.TurnJob{
		JobID:       "job-priv",
		PromptName:  "tooled",
		UserMessage: "what is x",
		ContextVars: map[string]string{"name": "Ada", "user_id": "7"},
		Privileged:  true,
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-priv")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if !strings.Contains(string(outcome.Result), `"tool_data"`) || !strings.Contains(string(outcome.Result), "lookup") {
		t.Fatalf("privileged result must carry tool provenance: %s", outcome.Result)
	}
	if len(outcome.Transcript) != 2 {
		t.Fatalf("expected user and bot transcript entries, got %+v", outcome.Transcript)
	}
	td := outcome.Transcript[1].ToolData
	if td == nil || td.UsedTool != "lookup" {
		t.Fatalf("privileged transcript must attach tool data: %+v", outcome.Transcript[1])
	}
}

func TestProcessJobUnprivilegedStripsToolData(t *testing.T) {
	fx := setupWith(t, 10, toolTurnHandler())
	ctx := context.Background()

	job := queue.TurnJob{
		JobID:       "job-plain",
		PromptName:  "tooled",
		UserMessage: "what is x",
		ContextVars: map[string]string{"name": "Ada", "user_id": "7"},
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-plain")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if strings.Contains(string(outcome.Result), `"tool_data"`) {
		t.Fatalf("unprivileged result must not carry tool provenance: %s", outcome.Result)
	}
	if len(outcome.Transcript) != 2 {
		t.Fatalf("expected user and bot transcript entries, got %+v", outcome.Transcript)
	}
	for _, entry := range outcome.Transcript {
		if entry.ToolData != nil {
			t.Fatalf("unprivileged transcript must not attach tool data: %+v", entry)
		}
	}
	if outcome.Transcript[1].Message != "the answer" {
		t.Fatalf("unexpected bot transcript entry: %+v", outcome.Transcript[1])
	}
}

func TestProcessJobMissingInitVars(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	// A first-turn job whose context vars miss a system template placeholder
	// fails during construction; that is terminal, not a provider outage.
	job := queue.TurnJob{JobID: "job-noinit", PromptName: "tutor", UserMessage: "hello"}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("missing init vars must be terminal, got %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-noinit")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if !strings.Contains(outcome.Error, "missing required keys") {
		t.Fatalf("expected missing keys outcome, got %+v", outcome)
	}
}

func TestProcessJobMissingKwargs(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()

	chatID, err := fx.store.CreateChatHistory(ctx)
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	job := queue.TurnJob{
		JobID:         "job-missing",
		PromptName:    "tutor",
		ChatHistoryID: &chatID,
		UserMessage:   "hello",
	}
	if err := fx.worker.processJob(ctx, job); err != nil {
		t.Fatalf("missing kwargs must be terminal, got %v", err)
	}

	outcome, err := fx.results.Get(ctx, "job-missing")
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if !strings.Contains(outcome.Error, "missing required keys") {
		t.Fatalf("expected missing keys outcome, got %+v", outcome)
	}
}
