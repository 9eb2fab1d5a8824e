package databuffer

import "github.com/prometheus/client_golang/prometheus"

// bufferMetrics publica os totais do buffer no Prometheus. A gauge de linhas
// vivas lê o estado do Buffer no momento da coleta.
type bufferMetrics struct {
	flushes     *prometheus.CounterVec
	flushedRows prometheus.Counter
	recoveries  prometheus.Counter
	liveRows    prometheus.GaugeFunc
}

func newBufferMetrics(reg prometheus.Registerer, b *Buffer) *bufferMetrics {
	bm := &bufferMetrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "databuffer",
			Name:      "flushes_total",
			Help:      "Flushes de sub-buffer por resultado.",
		}, []string{"outcome"}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "databuffer",
			Name:      "flushed_rows_total",
			Help:      "Linhas entregues por flushes bem-sucedidos.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datadispatch",
			Subsystem: "databuffer",
			Name:      "recovered_backups_total",
			Help:      "Backups em disco recarregados após retomada.",
		}),
		liveRows: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "datadispatch",
			Subsystem: "databuffer",
			Name:      "buffered_rows",
			Help:      "Linhas aguardando flush em todos os sub-buffers.",
		}, func() float64 {
			return b.bufferedRows()
		}),
	}

	if reg != nil {
		// Registro duplicado mantém o coletor existente.
		_ = reg.Register(bm.flushes)
		_ = reg.Register(bm.flushedRows)
		_ = reg.Register(bm.recoveries)
		_ = reg.Register(bm.liveRows)
	}
	return bm
}
