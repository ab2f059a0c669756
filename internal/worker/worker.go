package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"convod/internal/chat"
	"convod/internal/engine"
	"convod/internal/llmconfig"
	"convod/internal/metrics"
	"convod/internal/prompt"
	"convod/internal/queue"
	"convod/internal/storage"
)

type Worker struct {
	store         *storage.Store
	configs       *llmconfig.Registry
	queue         *queue.StreamQueue
	results       *queue.ResultStore
	lock          *queue.ConvoLock
	rateLimiter   *queue.RateLimiter
	httpClient    *http.Client
	llmRetries    int
	backoffBase   time.Duration
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Configs       *llmconfig.Registry
	Queue         *queue.StreamQueue
	Results       *queue.ResultStore
	Lock          *queue.ConvoLock
	RateLimiter   *queue.RateLimiter
	HTTPClient    *http.Client
	LLMRetries    int
	BackoffBase   time.Duration
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		configs:       cfg.Configs,
		queue:         cfg.Queue,
		results:       cfg.Results,
		lock:          cfg.Lock,
		rateLimiter:   cfg.RateLimiter,
		httpClient:    cfg.HTTPClient,
		llmRetries:    cfg.LLMRetries,
		backoffBase:   cfg.BackoffBase,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			if errors.Is(err, errConversationBusy) {
				// Another worker holds the turn lock; put the job back
				// without burning a retry.
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue busy job")
					continue
				}
				w.metrics.EnqueuedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack busy job")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				w.metrics.EnqueuedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.putError(ctx, msg.Job, "LLM provider error. Please try again later.")
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

var errConversationBusy = errors.New("conversation busy")

func (w *Worker) processJob(ctx context.Context, job queue.TurnJob) error {
	if job.ChatHistoryID != nil {
		locked, err := w.lock.Acquire(ctx, *job.ChatHistoryID)
		if err != nil {
			return err
		}
		if !locked {
			return errConversationBusy
		}
		defer func() {
			if err := w.lock.Release(context.WithoutCancel(ctx), *job.ChatHistoryID); err != nil {
				w.logger.Error().Err(err).Int64("chat_id", *job.ChatHistoryID).Msg("failed to release turn lock")
			}
		}()

		if w.rateLimiter != nil {
			allowed, _, resetAt, err := w.rateLimiter.Allow(ctx, *job.ChatHistoryID, time.Now())
			if err != nil {
				return err
			}
			if !allowed {
				w.putError(ctx, job, fmt.Sprintf("Turn limit reached for this conversation. Try again after %s.", resetAt.Format(time.RFC3339)))
				return nil
			}
		}
	}

	wrapper, err := engine.New(ctx, engine.Options{
		PromptName:      job.PromptName,
		ChatHistoryID:   job.ChatHistoryID,
		Initialize:      job.ChatHistoryID == nil,
		InitContextVars: job.ContextVars,
		Store:           w.store,
		Configs:         w.configs,
		HTTPClient:      w.httpClient,
		MaxRetries:      w.llmRetries,
		BackoffBase:     w.backoffBase,
		Logger:          w.logger,
		Metrics:         w.metrics,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.putError(ctx, job, fmt.Sprintf("Unknown prompt template %q.", job.PromptName))
			return nil
		}
		var missing *prompt.MissingVariablesError
		if errors.As(err, &missing) {
			w.putError(ctx, job, missing.Error())
			return nil
		}
		return err
	}

	result, err := wrapper.SendUserMessage(ctx, job.UserMessage, job.ContextVars)
	if err != nil {
		var missing *prompt.MissingVariablesError
		if errors.As(err, &missing) {
			w.putError(ctx, job, missing.Error())
			return nil
		}
		return err
	}

	if !job.Privileged {
		result.ToolData = nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal turn result: %w", err)
	}
	if err := w.results.Put(ctx, queue.TurnOutcome{
		JobID:         job.JobID,
		ChatHistoryID: wrapper.ChatHistoryID(),
		Result:        raw,
		Transcript:    chat.UserFacingMessages(wrapper.History().Messages(), job.Privileged),
	}); err != nil {
		return err
	}
	return nil
}

func (w *Worker) putError(ctx context.Context, job queue.TurnJob, msg string) {
	outcome := queue.TurnOutcome{JobID: job.JobID, Error: msg}
	if job.ChatHistoryID != nil {
		outcome.ChatHistoryID = *job.ChatHistoryID
	}
	if err := w.results.Put(ctx, outcome); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to store error outcome")
	}
}
