package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the loans finder
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	// Change log
	ChangeLogRecordsTotal       *prometheus.CounterVec
	ChangeLogBatchFailuresTotal *prometheus.CounterVec
	ChangeLogPoisonRecords      *prometheus.GaugeVec
	ChangeLogCheckpoint         *prometheus.GaugeVec

	// Object store
	ObjectOperationsTotal *prometheus.CounterVec

	// Queue
	QueueMessagesSentTotal     *prometheus.CounterVec
	QueueMessagesReceivedTotal *prometheus.CounterVec

	// Workflow
	WorkflowExecutionsTotal   *prometheus.CounterVec
	WorkflowExecutionDuration *prometheus.HistogramVec
	WorkflowLockContention    *prometheus.CounterVec

	// Analytical queries
	QueryExecutionsTotal   *prometheus.CounterVec
	QueryExecutionDuration prometheus.Histogram
}

// New registers every metric on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		HTTPInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_inflight_requests",
				Help: "Number of HTTP requests currently being served",
			},
		),

		ChangeLogRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changelog_records_total",
				Help: "Change log records read, by consumer and outcome (delivered, filtered)",
			},
			[]string{"consumer", "outcome"},
		),
		ChangeLogBatchFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "changelog_batch_failures_total",
				Help: "Handler invocations that returned an error",
			},
			[]string{"consumer"},
		),
		ChangeLogPoisonRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "changelog_poison_records",
				Help: "1 when the shard is halted on a poison record",
			},
			[]string{"consumer", "shard"},
		),
		ChangeLogCheckpoint: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "changelog_checkpoint_seq",
				Help: "Last processed change log sequence number",
			},
			[]string{"consumer", "shard"},
		),

		ObjectOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "object_operations_total",
				Help: "Object store mutations by operation",
			},
			[]string{"operation"},
		),

		QueueMessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_sent_total",
				Help: "Messages offered to the queue, by result (sent, deduplicated)",
			},
			[]string{"queue", "result"},
		),
		QueueMessagesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_received_total",
				Help: "Messages delivered to consumers",
			},
			[]string{"queue"},
		),

		WorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Finished workflow executions by status",
			},
			[]string{"machine", "status"},
		),
		WorkflowExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Workflow execution wall time",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"machine"},
		),
		WorkflowLockContention: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_lock_contention_total",
				Help: "Trigger deliveries deferred because a run was already in progress",
			},
			[]string{"table"},
		),

		QueryExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_executions_total",
				Help: "Analytical query executions by final state",
			},
			[]string{"state"},
		),
		QueryExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "query_execution_duration_seconds",
				Help:    "Analytical query execution time",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// NewNop returns metrics registered on a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
