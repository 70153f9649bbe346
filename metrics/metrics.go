// Package metrics defines Prometheus collectors of the facts engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for errata metrics.
const (
	ExecutionsTotalKey      = "errata_executions_total"
	ValidationsTotalKey     = "errata_validations_total"
	BackdatesTotalKey       = "errata_backdates_total"
	BlockedFetchesTotalKey  = "errata_blocked_fetches_total"
	EvictionsTotalKey       = "errata_evictions_total"
	CancellationsTotalKey   = "errata_cancellations_total"
	PoisonedFetchesTotalKey = "errata_poisoned_fetches_total"
	CyclesTotalKey          = "errata_cycles_total"
	WritesTotalKey          = "errata_writes_total"
	CurrentRevisionKey      = "errata_current_revision"
)

// Collectors for errata engine metrics.
var (
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ExecutionsTotalKey,
		Help: "Cumulative number of derived computations executed.",
	}, []string{"table"})
	ValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ValidationsTotalKey,
		Help: "Cumulative number of memos proven valid without recomputation.",
	}, []string{"table"})
	BackdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: BackdatesTotalKey,
		Help: "Cumulative number of recomputations whose unchanged value kept its prior changed-at revision.",
	})
	BlockedFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: BlockedFetchesTotalKey,
		Help: "Cumulative number of fetches which joined an in-progress computation.",
	})
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: EvictionsTotalKey,
		Help: "Cumulative number of memoized values discarded by LRU eviction.",
	})
	CancellationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CancellationsTotalKey,
		Help: "Cumulative number of fetches aborted by a pending write.",
	})
	PoisonedFetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: PoisonedFetchesTotalKey,
		Help: "Cumulative number of waiting fetches poisoned by a failed leader.",
	})
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CyclesTotalKey,
		Help: "Cumulative number of detected dependency cycles.",
	})
	WritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: WritesTotalKey,
		Help: "Cumulative number of completed exclusive writes.",
	})
	CurrentRevision = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: CurrentRevisionKey,
		Help: "Current revision of the fact base.",
	})
)

// EngineCollectors returns the collectors incremented by the facts engine,
// for registration by the hosting binary.
func EngineCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ExecutionsTotal,
		ValidationsTotal,
		BackdatesTotal,
		BlockedFetchesTotal,
		EvictionsTotal,
		CancellationsTotal,
		PoisonedFetchesTotal,
		CyclesTotal,
		WritesTotal,
		CurrentRevision,
	}
}
