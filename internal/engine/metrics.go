package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moltq_tasks_submitted_total",
			Help: "Total number of tasks accepted by the scheduler.",
		},
	)

	tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltq_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state.",
		},
		[]string{"status"},
	)

	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moltq_tasks_running",
			Help: "Number of task attempts currently executing.",
		},
	)

	taskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moltq_task_retries_total",
			Help: "Total number of failed attempts re-enqueued for retry.",
		},
	)

	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moltq_lock_contention_total",
			Help: "Total number of attempts deferred because the task lock was held elsewhere.",
		},
	)

	providerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltq_provider_invocations_total",
			Help: "Total provider invocations by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksCompleted)
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(taskRetries)
	prometheus.MustRegister(lockContention)
	prometheus.MustRegister(providerInvocations)
}
