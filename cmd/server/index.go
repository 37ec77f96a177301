package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"vitalsync.ai/internal/persistence/indexdb"
	"vitalsync.ai/internal/sim/host"
)

// multiEventLogger writes every entry to each logger; a failing secondary
// never blocks the primary log.
type multiEventLogger []host.EventLogger

func (m multiEventLogger) WriteEvent(entry host.EventLogEntry) error {
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteEvent(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func registerIndexMetrics(reg prometheus.Registerer, idx *indexdb.SQLiteIndex) {
	if idx == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vitalsync", Subsystem: "index", Name: "queue_depth", Help: "Pending index writes.",
		}, func() float64 { return float64(idx.Stats().QueueDepth) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "vitalsync", Subsystem: "index", Name: "dropped_events_total", Help: "Event rows dropped because the index fell behind.",
		}, func() float64 { return float64(idx.Stats().DropEventTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "vitalsync", Subsystem: "index", Name: "dropped_snapshots_total", Help: "Snapshot rows dropped because the index fell behind.",
		}, func() float64 {
			st := idx.Stats()
			return float64(st.DropSnapshotTotal + st.DropSnapshotStateTotal)
		}),
	)
}
