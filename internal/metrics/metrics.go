package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intent metrics
	IntentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_intents_classified_total",
			Help: "Total number of intents classified",
		},
		[]string{"intent_type", "requires_approval"},
	)

	IntentConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentd_intent_confidence",
			Help:    "Confidence score of intent classifications",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
		},
	)

	// Task metrics
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_task_transitions_total",
			Help: "Total number of task state transitions",
		},
		[]string{"from", "to"},
	)

	TaskTransitionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_task_transitions_rejected_total",
			Help: "Total number of rejected state transitions",
		},
	)

	TasksByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentd_tasks_by_state",
			Help: "Current number of tasks per lifecycle state",
		},
		[]string{"state"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentd_task_duration_seconds",
			Help:    "Time from task creation to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Plan metrics
	PlansCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_plans_created_total",
			Help: "Total number of execution plans created",
		},
		[]string{"intent_type"},
	)

	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_steps_executed_total",
			Help: "Total number of plan steps executed",
		},
		[]string{"action", "status"},
	)

	PlanDeadlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_plan_deadlocks_total",
			Help: "Total number of plans failed due to dependency deadlock",
		},
	)

	// Tool metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "outcome"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"tool"},
	)

	ToolApprovalDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_tool_approval_denials_total",
			Help: "Total number of tool executions rejected for missing approval",
		},
		[]string{"tool"},
	)

	// Memory metrics
	ContextEntriesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_context_entries_stored_total",
			Help: "Total number of context entries stored",
		},
	)

	ContextEntriesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_context_entries_pruned_total",
			Help: "Total number of context entries pruned by the memory cap",
		},
	)

	ContextCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_context_cache_size",
			Help: "Number of user contexts held in the local cache",
		},
	)

	ContextPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_context_persist_failures_total",
			Help: "Total number of failed context persistence writes",
		},
	)

	// Orchestrator metrics
	RequestsBusy = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_requests_rejected_busy_total",
			Help: "Total number of requests rejected by the single-flight guard",
		},
	)

	TasksResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_tasks_resumed_total",
			Help: "Total number of waiting tasks resumed by the sweep",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"path", "status"},
	)

	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_http_rate_limited_total",
			Help: "Total number of HTTP requests rejected by the rate limiter",
		},
	)
)
