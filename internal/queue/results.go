package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convod/internal/chat"
)

var ErrResultNotReady = errors.New("result not ready")

// TurnOutcome is what the producing layer collects for a finished job:
// either the engine's turn result plus the user-facing transcript, or a
// terminal error message. Tool provenance appears only for privileged jobs.
type TurnOutcome struct {
	JobID         string                `json:"job_id"`
	ChatHistoryID int64                 `json:"chat_history_id,omitempty"`
	Result        json.RawMessage       `json:"result,omitempty"`
	Transcript    []chat.DisplayMessage `json:"transcript,omitempty"`
	Error         string                `json:"error,omitempty"`
	FinishedAt    time.Time             `json:"finished_at"`
}

// ResultStore parks turn outcomes in redis under the job id, with a TTL so
// abandoned results age out.
type ResultStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewResultStore(rdb *redis.Client, ttl time.Duration) *ResultStore {
	return &ResultStore{redis: rdb, ttl: ttl}
}

func resultKey(jobID string) string {
	return fmt.Sprintf("convod:result:%s", jobID)
}

func (s *ResultStore) Put(ctx context.Context, outcome TurnOutcome) error {
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now().UTC()
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.redis.Set(ctx, resultKey(outcome.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, jobID string) (TurnOutcome, error) {
	raw, err := s.redis.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TurnOutcome{}, ErrResultNotReady
		}
		return TurnOutcome{}, fmt.Errorf("get outcome: %w", err)
	}
	var outcome TurnOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return TurnOutcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return outcome, nil
}
