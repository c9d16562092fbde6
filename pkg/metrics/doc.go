/*
Package metrics provides Prometheus metrics collection and exposition for
the quad store.

The metrics package defines and registers all store metrics using the
Prometheus client library, providing observability into storage size,
commit/WAL behavior, query latency, and pruning transfers. Metrics are
exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Categories              │          │
	│  │                                              │          │
	│  │  Storage: quads, atoms, graphs, file size   │          │
	│  │  Commit: commit count/duration, lock wait   │          │
	│  │  WAL: bytes appended, segment rolls, fsync  │          │
	│  │  Query/Update: count, duration by form      │          │
	│  │  Prune: run count, duration, filtered count │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Periodically samples size-related gauges (quad count, atom counts,
    graph count, page file size) on a 15-second tick
  - Commit/WAL/query/update counters are updated inline by their own
    callers (pkg/txn, pkg/wal, pkg/qstore) rather than sampled

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Storage Metrics:

qstore_quads_total:
  - Type: Gauge
  - Description: Total number of (g,s,p,o) entries currently stored,
    across all versions
  - Example: qstore_quads_total 184320

qstore_atoms_total{kind}:
  - Type: Gauge
  - Description: Total number of interned atoms by kind
  - Labels: kind (iri, blank, literal, variable)
  - Example: qstore_atoms_total{kind="iri"} 4021

qstore_graphs_total:
  - Type: Gauge
  - Description: Total number of named graphs with at least one current quad
  - Example: qstore_graphs_total 6

qstore_page_file_bytes:
  - Type: Gauge
  - Description: Size in bytes of the page store file on disk
  - Example: qstore_page_file_bytes 41943040

Commit Metrics:

qstore_commits_total:
  - Type: Counter
  - Description: Total number of batches committed through the coordinator

qstore_commit_duration_seconds:
  - Type: Histogram
  - Description: Time from CommitBatch call to its return, including WAL
    append and index apply
  - Buckets: Default Prometheus buckets

qstore_writer_lock_wait_seconds:
  - Type: Histogram
  - Description: Time a BeginBatch call spent waiting to acquire the
    single-writer lock
  - Buckets: Default Prometheus buckets

WAL Metrics:

qstore_wal_bytes_appended_total:
  - Type: Counter
  - Description: Total bytes appended to the write-ahead log

qstore_wal_segment_rolls_total:
  - Type: Counter
  - Description: Total number of times the write-ahead log rolled to a
    new segment

qstore_wal_fsync_duration_seconds:
  - Type: Histogram
  - Description: Time spent fsyncing a WAL append, including retries
  - Buckets: Default Prometheus buckets

Query/Update Metrics:

qstore_queries_total{form, outcome}:
  - Type: Counter
  - Description: Total number of SPARQL queries executed, by form
    (select/ask/construct/describe) and outcome (ok/error)

qstore_query_duration_seconds{form}:
  - Type: Histogram
  - Description: SPARQL query evaluation duration in seconds, by form
  - Buckets: Default Prometheus buckets

qstore_updates_total{outcome}:
  - Type: Counter
  - Description: Total number of SPARQL Update requests executed, by outcome

qstore_property_path_steps:
  - Type: Histogram
  - Description: Number of BFS frontier expansions consumed evaluating
    one property-path pattern
  - Buckets: 1, 10, 100, 1000, 10000, 100000

Prune Metrics:

qstore_prune_runs_total{outcome}:
  - Type: Counter
  - Description: Total number of pruning transfers run, by outcome

qstore_prune_duration_seconds:
  - Type: Histogram
  - Description: Time taken by a pruning transfer, from scan start to swap
  - Buckets: 1, 5, 10, 30, 60, 120, 300, 600, 1800

qstore_prune_quads_filtered_out_total:
  - Type: Counter
  - Description: Total number of quads dropped by a pruning transfer's
    filter or history mode

# Usage

Updating Gauge Metrics:

	import "github.com/chronograph/qstore/pkg/metrics"

	metrics.QuadsTotal.Set(184320)
	metrics.AtomsTotal.WithLabelValues("iri").Set(4021)

Updating Counter Metrics:

	metrics.CommitsTotal.Inc()
	metrics.QueriesTotal.WithLabelValues("select", "ok").Inc()

Recording Histogram Observations:

	// Direct observation
	metrics.WALFsyncDuration.Observe(0.002)

	// Using Timer helper
	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.CommitDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.QueryDuration, "select")

Complete Example:

	package main

	import (
		"net/http"

		"github.com/chronograph/qstore/pkg/config"
		"github.com/chronograph/qstore/pkg/metrics"
		"github.com/chronograph/qstore/pkg/qstore"
	)

	func main() {
		store, err := qstore.Open("data.qdb", config.Default())
		if err != nil {
			panic(err)
		}
		defer store.Close()

		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

# Integration Points

This package integrates with:

  - pkg/qstore: Records query/update counts and durations
  - pkg/txn: Records commit counts, commit duration, writer lock wait
  - pkg/wal: Records bytes appended, segment rolls, fsync duration
  - pkg/prune: Records run counts, duration, filtered-out quads
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before first use

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (form, outcome, kind)
  - Avoid high-cardinality labels (term lexical values, tx ids)
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Defer ObserveDuration or ObserveDurationVec
  - Supports both simple and vector histograms

# Monitoring

Prometheus Queries (PromQL):

Storage Growth:
  - Quad count: qstore_quads_total
  - Page file growth rate: rate(qstore_page_file_bytes[1h])

Commit Performance:
  - Commit rate: rate(qstore_commits_total[1m])
  - p95 commit latency: histogram_quantile(0.95, qstore_commit_duration_seconds_bucket)
  - Writer contention: histogram_quantile(0.95, qstore_writer_lock_wait_seconds_bucket)

Query Performance:
  - Query rate by form: sum by (form) (rate(qstore_queries_total[1m]))
  - Error rate: rate(qstore_queries_total{outcome="error"}[5m])
  - p95 latency by form: histogram_quantile(0.95, sum by (form, le) (rate(qstore_query_duration_seconds_bucket[5m])))

Pruning:
  - Last prune outcome: qstore_prune_runs_total
  - Prune duration trend: qstore_prune_duration_seconds_sum / qstore_prune_duration_seconds_count

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
