package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	ToolCalls     prometheus.Counter
	ToolFailures  prometheus.Counter
	LLMLatency    prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convod",
				Name:      "queue_enqueued_total",
				Help:      "Total turn jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convod",
				Name:      "queue_processed_total",
				Help:      "Total turn jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convod",
				Name:      "queue_failed_total",
				Help:      "Total turn jobs failed during processing",
			}),
			ToolCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convod",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations requested by the model",
			}),
			ToolFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convod",
				Name:      "tool_failures_total",
				Help:      "Total tool invocations that raised an error",
			}),
			LLMLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "convod",
				Name:      "llm_roundtrip_seconds",
				Help:      "LLM completion round-trip latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.ToolCalls,
			global.ToolFailures,
			global.LLMLatency,
		)
	})
	return global
}
