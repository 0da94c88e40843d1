package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed runs and jobs.
	OutcomeSuccess = "success"
	// OutcomeError labels failed runs and jobs.
	OutcomeError = "error"
)

const namespace = "errtally"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Reconciliation runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_seconds",
			Help:      "Reconciliation run latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	lastSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		},
	)

	entriesFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_fetched_total",
			Help:      "Raw entries pulled from the inbox.",
		},
	)

	groupsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Error groups with activity in the last 30 days.",
		},
	)

	rowWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_writes_total",
			Help:      "Group table rows written, partitioned by operation.",
		},
		[]string{"op"},
	)

	storeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Store calls retried after a transient failure.",
		},
		[]string{"op"},
	)

	inboxLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_lines_total",
			Help:      "Lines accepted into the inbox, partitioned by source.",
		},
		[]string{"source"},
	)

	enrichmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichments_total",
			Help:      "Enrichment attempts, partitioned by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
)

// Register attaches errtally collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		lastSuccessTimestamp,
		entriesFetchedTotal,
		groupsGauge,
		rowWritesTotal,
		storeRetriesTotal,
		inboxLinesTotal,
		enrichmentsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// RunStats is what a run reports to ObserveRun.
type RunStats struct {
	Fetched  int
	Groups   int
	Deleted  int
	Updated  int
	Inserted int
	Sorted   int
}

// ObserveRun records a run duration, its outcome and, on success, its counters.
func ObserveRun(duration time.Duration, err error, stats RunStats) {
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
	if err != nil {
		runsTotal.WithLabelValues(OutcomeError).Inc()
		return
	}
	runsTotal.WithLabelValues(OutcomeSuccess).Inc()
	lastSuccessTimestamp.SetToCurrentTime()
	entriesFetchedTotal.Add(float64(stats.Fetched))
	groupsGauge.Set(float64(stats.Groups))
	rowWritesTotal.WithLabelValues("delete").Add(float64(stats.Deleted))
	rowWritesTotal.WithLabelValues("update").Add(float64(stats.Updated))
	rowWritesTotal.WithLabelValues("insert").Add(float64(stats.Inserted))
	rowWritesTotal.WithLabelValues("sort").Add(float64(stats.Sorted))
}

// ObserveRetry counts one retried store call.
func ObserveRetry(op string) {
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveInbox counts lines accepted from source.
func ObserveInbox(source string, n int) {
	inboxLinesTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveEnrichment counts one enrichment attempt.
func ObserveEnrichment(job string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	enrichmentsTotal.WithLabelValues(job, outcome).Inc()
}
