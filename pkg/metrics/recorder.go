// Package metrics provides Prometheus instrumentation for the forwarding
// queue and the task orchestration engine, plus a query service for
// aggregating recorded series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder publishes coordinator metrics. A nil *Recorder is safe to call;
// every method no-ops, so tests and minimal deployments can skip metrics
// entirely.
type Recorder struct {
	eventsEnqueued  *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	eventRetries    prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	drainDuration   prometheus.Histogram

	tasksCreated   *prometheus.CounterVec
	tasksAssigned  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskErrors     prometheus.Counter
}

// NewRecorder registers the coordinator metric families on the default
// registry.
func NewRecorder() *Recorder {
	return &Recorder{
		eventsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_events_enqueued_total",
				Help: "Events accepted by the forwarding queue, by priority",
			},
			[]string{"priority"},
		),
		eventsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_events_delivered_total",
				Help: "Events delivered to connections, by priority and target kind",
			},
			[]string{"priority", "target"},
		),
		eventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_events_dropped_total",
				Help: "Events dropped by the forwarding queue, by reason",
			},
			[]string{"reason"},
		),
		eventRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "forward_event_retries_total",
				Help: "Delivery retries performed by the forwarding queue",
			},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forward_queue_depth",
				Help: "Buffered events per priority level",
			},
			[]string{"priority"},
		),
		drainDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forward_drain_duration_seconds",
				Help:    "Duration of one drain batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		tasksCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_created_total",
				Help: "Tasks created, by channel",
			},
			[]string{"channel_id"},
		),
		tasksAssigned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_assigned_total",
				Help: "Task assignment events, by strategy",
			},
			[]string{"strategy"},
		),
		tasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_completed_total",
				Help: "Task completions, by outcome",
			},
			[]string{"outcome"},
		),
		taskErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "task_errors_total",
				Help: "Orchestration errors surfaced as task.error events",
			},
		),
	}
}

func (r *Recorder) IncEnqueued(priority string) {
	if r == nil {
		return
	}
	r.eventsEnqueued.WithLabelValues(priority).Inc()
}

func (r *Recorder) IncDelivered(priority, target string) {
	if r == nil {
		return
	}
	r.eventsDelivered.WithLabelValues(priority, target).Inc()
}

func (r *Recorder) IncDropped(reason string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) IncRetry() {
	if r == nil {
		return
	}
	r.eventRetries.Inc()
}

func (r *Recorder) SetQueueDepth(priority string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (r *Recorder) ObserveDrain(d time.Duration) {
	if r == nil {
		return
	}
	r.drainDuration.Observe(d.Seconds())
}

func (r *Recorder) IncTaskCreated(channelID string) {
	if r == nil {
		return
	}
	r.tasksCreated.WithLabelValues(channelID).Inc()
}

func (r *Recorder) IncTaskAssigned(strategy string) {
	if r == nil {
		return
	}
	r.tasksAssigned.WithLabelValues(strategy).Inc()
}

func (r *Recorder) IncTaskCompleted(outcome string) {
	if r == nil {
		return
	}
	r.tasksCompleted.WithLabelValues(outcome).Inc()
}

func (r *Recorder) IncTaskError() {
	if r == nil {
		return
	}
	r.taskErrors.Inc()
}
