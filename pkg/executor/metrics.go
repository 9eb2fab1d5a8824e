package executor

import "github.com/prometheus/client_golang/prometheus"

type executorMetrics struct {
	runs        *prometheus.CounterVec
	connections *prometheus.CounterVec
	rows        prometheus.Counter
}

func newExecutorMetrics(reg prometheus.Registerer) *executorMetrics {
	m := &executorMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Execuções de job por desfecho.",
		}, []string{"outcome"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "executor",
			Name:      "connections_total",
			Help:      "Conexões processadas por desfecho.",
		}, []string{"outcome"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "executor",
			Name:      "fetched_rows_total",
			Help:      "Linhas retornadas pelas queries.",
		}),
	}

	// Registro duplicado mantém o coletor existente.
	_ = reg.Register(m.runs)
	_ = reg.Register(m.connections)
	_ = reg.Register(m.rows)
	return m
}
