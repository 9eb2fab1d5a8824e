package jobqueue

import "github.com/prometheus/client_golang/prometheus"

// queueMetrics publica os totais da fila no Prometheus. As gauges de
// profundidade leem o estado da Queue no momento da coleta.
type queueMetrics struct {
	enqueued  prometheus.Counter
	completed prometheus.Counter
	retried   prometheus.Counter
	failed    prometheus.Counter
	pending   prometheus.GaugeFunc
	running   prometheus.GaugeFunc
}

func newQueueMetrics(reg prometheus.Registerer, q *Queue) *queueMetrics {
	qm := &queueMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "units_enqueued_total",
			Help:      "Unidades aceitas pela fila.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "units_completed_total",
			Help:      "Unidades concluídas com sucesso.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "units_retried_total",
			Help:      "Retries agendados após falha.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "units_failed_total",
			Help:      "Unidades que esgotaram as tentativas.",
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "pending_units",
			Help:      "Unidades aguardando na fila.",
		}, func() float64 {
			return q.pendingDepth()
		}),
		running: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datadispatch",
			Subsystem: "jobqueue",
			Name:      "running_units",
			Help:      "Unidades em execução.",
		}, func() float64 {
			return q.runningDepth()
		}),
	}

	if reg != nil {
		// Registro duplicado mantém o coletor existente.
		_ = reg.Register(qm.enqueued)
		_ = reg.Register(qm.completed)
		_ = reg.Register(qm.retried)
		_ = reg.Register(qm.failed)
		_ = reg.Register(qm.pending)
		_ = reg.Register(qm.running)
	}
	return qm
}
