package sqlpool

import "github.com/prometheus/client_golang/prometheus"

// managerMetrics publica os totais do gerenciador no Prometheus. Os gauges
// leem o estado do Manager no momento da coleta.
type managerMetrics struct {
	acquires    *prometheus.CounterVec
	idleCloses  prometheus.Counter
	poolsGauge  prometheus.GaugeFunc
	activeGauge prometheus.GaugeFunc
}

func newManagerMetrics(reg prometheus.Registerer, m *Manager) *managerMetrics {
	mm := &managerMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "sqlpool",
			Name:      "acquires_total",
			Help:      "Aquisições de pool por resultado.",
		}, []string{"outcome"}),
		idleCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "sqlpool",
			Name:      "idle_closes_total",
			Help:      "Pools fechados por ociosidade.",
		}),
		poolsGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datadispatch",
			Subsystem: "sqlpool",
			Name:      "pools",
			Help:      "Pools atualmente mantidos no mapa.",
		}, func() float64 {
			return float64(m.Metrics().Pools)
		}),
		activeGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datadispatch",
			Subsystem: "sqlpool",
			Name:      "active_pools",
			Help:      "Pools com pelo menos uma referência ativa.",
		}, func() float64 {
			return float64(m.Metrics().ActivePools)
		}),
	}

	if reg != nil {
		// Registro duplicado mantém o coletor existente.
		_ = reg.Register(mm.acquires)
		_ = reg.Register(mm.idleCloses)
		_ = reg.Register(mm.poolsGauge)
		_ = reg.Register(mm.activeGauge)
	}
	return mm
}

func (mm *managerMetrics) acquireOK()     { mm.acquires.WithLabelValues("ok").Inc() }
func (mm *managerMetrics) acquireFailed() { mm.acquires.WithLabelValues("failed").Inc() }
func (mm *managerMetrics) idleClosed()    { mm.idleCloses.Inc() }
