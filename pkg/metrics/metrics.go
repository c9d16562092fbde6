package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage-size metrics
	QuadsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qstore_quads_total",
			Help: "Total number of (g,s,p,o) entries currently stored, across all versions",
		},
	)

	AtomsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qstore_atoms_total",
			Help: "Total number of interned atoms by kind",
		},
		[]string{"kind"},
	)

	GraphsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qstore_graphs_total",
			Help: "Total number of named graphs with at least one current quad",
		},
	)

	PageFileBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qstore_page_file_bytes",
			Help: "Size in bytes of the page store file on disk",
		},
	)

	// Transaction/commit metrics
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qstore_commits_total",
			Help: "Total number of batches committed through the coordinator",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qstore_commit_duration_seconds",
			Help:    "Time from CommitBatch call to its return, including WAL append and index apply",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriterLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qstore_writer_lock_wait_seconds",
			Help:    "Time a BeginBatch call spent waiting to acquire the single-writer lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WAL metrics
	WALBytesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qstore_wal_bytes_appended_total",
			Help: "Total bytes appended to the write-ahead log",
		},
	)

	WALSegmentRolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qstore_wal_segment_rolls_total",
			Help: "Total number of times the write-ahead log rolled to a new segment",
		},
	)

	WALFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qstore_wal_fsync_duration_seconds",
			Help:    "Time spent fsyncing a WAL append, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query/update metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qstore_queries_total",
			Help: "Total number of SPARQL queries executed, by form and outcome",
		},
		[]string{"form", "outcome"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qstore_query_duration_seconds",
			Help:    "SPARQL query evaluation duration in seconds, by form",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"form"},
	)

	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qstore_updates_total",
			Help: "Total number of SPARQL Update requests executed, by outcome",
		},
		[]string{"outcome"},
	)

	PropertyPathStepsObserved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qstore_property_path_steps",
			Help:    "Number of BFS frontier expansions consumed evaluating one property-path pattern",
			Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
		},
	)

	// Pruning metrics
	PruneRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qstore_prune_runs_total",
			Help: "Total number of pruning transfers run, by outcome",
		},
		[]string{"outcome"},
	)

	PruneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qstore_prune_duration_seconds",
			Help:    "Time taken by a pruning transfer, from scan start to swap",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	PruneQuadsFilteredOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qstore_prune_quads_filtered_out_total",
			Help: "Total number of quads dropped by a pruning transfer's filter or history mode",
		},
	)
)

func init() {
	prometheus.MustRegister(QuadsTotal)
	prometheus.MustRegister(AtomsTotal)
	prometheus.MustRegister(GraphsTotal)
	prometheus.MustRegister(PageFileBytes)

	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(WriterLockWaitDuration)

	prometheus.MustRegister(WALBytesAppended)
	prometheus.MustRegister(WALSegmentRolls)
	prometheus.MustRegister(WALFsyncDuration)

	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(PropertyPathStepsObserved)

	prometheus.MustRegister(PruneRunsTotal)
	prometheus.MustRegister(PruneDuration)
	prometheus.MustRegister(PruneQuadsFilteredOut)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
