package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: решения авторизации по исходам (allow / allow_with_confirmation / deny)
	AuthDecisions *prometheus.CounterVec

	// Latency: сколько занял вызов диспетчера действия
	DispatchDuration *prometheus.HistogramVec

	// Outcomes: терминальные статусы интервенций
	InterventionOutcomes *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Очередь задач: глубина и дед-леттеры
	QueueDepth        prometheus.Gauge
	DeadLettersTotal  prometheus.Counter
	TasksRequeued     prometheus.Counter
	AuditBufferFill   prometheus.Gauge
	SweepExpiredTotal prometheus.Counter
	SweepAutoApproved prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AuthDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aae_auth_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		}, []string{"decision", "reason"}),

		DispatchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aae_dispatch_duration_seconds",
			Help:    "Histogram of action dispatch latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"intervention_type", "status"}),

		InterventionOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aae_intervention_outcomes_total",
			Help: "Terminal intervention statuses.",
		}, []string{"status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "aae_circuit_breaker_state",
			Help: "Current state of the dispatcher circuit breaker (0=closed, 1=open).",
		}, []string{"dispatcher"}),

		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aae_task_queue_depth",
			Help: "Number of queued or processing async tasks.",
		}),

		DeadLettersTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aae_dead_letters_total",
			Help: "Tasks moved to the dead-letter store.",
		}),

		TasksRequeued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aae_tasks_requeued_total",
			Help: "Failed tasks requeued for another attempt.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aae_audit_buffer_utilization",
			Help: "Current number of events in the audit buffer.",
		}),

		SweepExpiredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aae_sweep_expired_total",
			Help: "Interventions expired by the periodic sweep.",
		}),

		SweepAutoApproved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "aae_sweep_auto_approved_total",
			Help: "Interventions auto-approved after their consent timeout.",
		}),
	}
}
