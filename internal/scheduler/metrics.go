package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько тиков планировщик отработал с момента старта
	TicksTotal prometheus.Counter

	// Сколько агентов реально отправлено на исполнение
	ScheduledTotal prometheus.Counter

	// Классификация пропусков: not_due, not_runnable, locked
	SkippedTotal *prometheus.CounterVec

	// Latency: длительность полного прогона агента
	RunDuration *prometheus.HistogramVec

	// Errors: исходы прогонов по статусам (success, failed, skipped)
	RunsTotal *prometheus.CounterVec

	// Сколько раз агент доведен до errored по порогу ошибок
	EscalationsTotal prometheus.Counter

	// Saturation: заполненность буфера результатов (backpressure)
	RunBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - без регистратора метрики пишутся в изолированный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TicksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "m2a_scheduler_ticks_total",
			Help: "Total number of scheduler ticks.",
		}),

		ScheduledTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "m2a_scheduler_dispatched_total",
			Help: "Total number of agents dispatched for execution.",
		}),

		SkippedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "m2a_scheduler_skipped_total",
			Help: "Total number of skipped agents by reason.",
		}, []string{"reason"}), // причины: not_due, not_runnable, locked

		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m2a_run_duration_seconds",
			Help:    "Histogram of agent run durations.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 540},
		}, []string{"status"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "m2a_runs_total",
			Help: "Total number of agent runs by outcome.",
		}, []string{"status"}),

		EscalationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "m2a_escalations_total",
			Help: "Total number of agents escalated to errored.",
		}),

		RunBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "m2a_run_buffer_utilization",
			Help: "Current number of events in the run results buffer.",
		}),
	}
}
