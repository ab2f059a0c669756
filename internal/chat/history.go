package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"convod/internal/storage"
)

// History owns the ordered message log of one conversation. All mutation goes
// through Append and OverwriteSystemMessage; Persist writes the whole log
// back, making the durable copy the checkpoint for resuming after failure.
type History struct {
	store  *storage.Store
	id     int64
	msgs   []Message
	logger zerolog.Logger
}

// Open loads the conversation with the given id, or creates a new empty one
// when id is nil.
func Open(ctx context.Context, store *storage.Store, id *int64, logger zerolog.Logger) (*History, error) {
	h := &History{store: store, logger: logger}
	if id == nil {
		newID, err := store.CreateChatHistory(ctx)
		if err != nil {
			return nil, fmt.Errorf("create chat history: %w", err)
		}
		h.id = newID
		h.msgs = []Message{}
		return h, nil
	}

	rec, err := store.GetChatHistory(ctx, *id)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(rec.HistoryJSON), &msgs); err != nil {
		return nil, fmt.Errorf("chat history %d: decode: %w", *id, err)
	}
	h.id = rec.ID
	h.msgs = msgs
	return h, nil
}

func (h *History) ID() int64 {
	return h.id
}

func (h *History) IsEmpty() bool {
	return len(h.msgs) == 0
}

func (h *History) Messages() []Message {
	return h.msgs
}

// Append assigns a shared timestamp and a fresh 12-digit id to every message
// lacking one, then appends in order. It does not persist.
func (h *History) Append(msgs []Message) {
	h.AppendAt(msgs, nowStamp())
}

func (h *History) AppendAt(msgs []Message, timestamp float64) {
	for i := range msgs {
		if msgs[i].Timestamp == 0 {
			msgs[i].Timestamp = timestamp
		}
		if msgs[i].ID == 0 {
			msgs[i].ID = randomMessageID()
		}
	}
	h.msgs = append(h.msgs, msgs...)
}

// Persist writes the full in-memory log to storage. Idempotent.
func (h *History) Persist(ctx context.Context) error {
	b, err := json.Marshal(h.msgs)
	if err != nil {
		return fmt.Errorf("chat history %d: encode: %w", h.id, err)
	}
	if err := h.store.SaveChatHistory(ctx, h.id, string(b)); err != nil {
		return fmt.Errorf("chat history %d: save: %w", h.id, err)
	}
	return nil
}

// OverwriteSystemMessage replaces the content of the system message at index
// 0, or seeds the log with one when empty. A non-empty log whose head is not
// a system message means the caller corrupted the conversation; that must
// propagate, not be repaired here.
func (h *History) OverwriteSystemMessage(content string) error {
	if len(h.msgs) == 0 {
		h.msgs = []Message{{Role: RoleSystem, Content: content}}
		return nil
	}
	if h.msgs[0].Role != RoleSystem {
		h.logger.Error().Int64("chat_id", h.id).Str("head_role", h.msgs[0].Role).Msg("first message is not a system message")
		return fmt.Errorf("chat history %d: first message has role %q, not %q", h.id, h.msgs[0].Role, RoleSystem)
	}
	h.msgs[0].Content = content
	return nil
}

// MessagesForLLM projects the log down to the fields the provider accepts
// per role. An unknown role signals a corrupted or incompatible log and
// fails the projection.
func (h *History) MessagesForLLM() ([]LLMMessage, error) {
	out := make([]LLMMessage, 0, len(h.msgs))
	for _, msg := range h.msgs {
		var m LLMMessage
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			m = LLMMessage{Role: msg.Role, Content: msg.Content}
		case RoleTool:
			m = LLMMessage{
				Role:       RoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				Name:       msg.Name,
			}
		default:
			return nil, fmt.Errorf("chat history %d: unexpected message role %q", h.id, msg.Role)
		}
		if len(msg.ToolCalls) > 0 {
			m.ToolCalls = msg.ToolCalls
		}
		out = append(out, m)
	}
	return out, nil
}

// nowStamp is wall-clock seconds with one decimal place, the resolution the
// stored transcript uses throughout.
func nowStamp() float64 {
	return float64(time.Now().UnixMilli()/100) / 10
}

func randomMessageID() int64 {
	const min = 100_000_000_000 // 10^11
	const max = 999_999_999_999
	return min + rand.Int64N(max-min+1)
}
