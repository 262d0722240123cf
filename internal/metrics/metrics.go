// Package metrics holds the prometheus collectors of the disassembler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmdisas_decodes_total",
		Help: "Instructions disassembled, by status",
	}, []string{"status"})

	PageMaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmdisas_page_maps_total",
		Help: "Guest pages mapped for instruction reads, by path",
	}, []string{"path"})

	LockReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmdisas_page_lock_releases_total",
		Help: "Page mapping locks released",
	})

	InstrBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmdisas_instruction_bytes",
		Help:    "Length of decoded instructions",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	})

	SymbolLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmdisas_symbol_lookups_total",
		Help: "Symbol lookups, by result",
	}, []string{"result"})
)

// Page map paths.
const (
	PathHyper    = "hyper"
	PathPhysical = "physical"
	PathLinear   = "linear"
)

// CountDecode records one finished disassembly.
func CountDecode(status string, length int) {
	Decodes.WithLabelValues(status).Inc()
	if length > 0 {
		InstrBytes.Observe(float64(length))
	}
}
