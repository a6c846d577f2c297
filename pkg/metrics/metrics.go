// Package metrics holds the Prometheus collectors exported by the graph core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Version-chain writes by entity kind ("object", "relationship"),
	// operation and outcome ("ok", "noop", or an error code).
	Writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_writes_total",
		Help: "Version-chain write operations by kind, operation and result",
	}, []string{"kind", "op", "result"})

	// Property validation outcomes against the schema adapter
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_property_validations_total",
		Help: "Property validation results",
	}, []string{"kind", "result"})

	TraversalEdges = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_traversal_edges",
		Help:    "Edges returned per traversal",
		Buckets: []float64{0, 1, 5, 25, 100, 250, 500},
	})

	TraversalTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_traversal_truncated_total",
		Help: "Traversals that hit the result cap",
	})

	// Merge entries by classification status
	MergeEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_merge_entries_total",
		Help: "Merge summary entries by kind and status",
	}, []string{"kind", "status"})

	MergeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_merge_runs_total",
		Help: "Merge dry runs and executes by result",
	}, []string{"mode", "result"})

	MergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_merge_duration_seconds",
		Help:    "Merge duration by mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// Opt-in all-tenants scopes, labelled by declared reason
	AllTenantScopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_all_tenant_scopes_total",
		Help: "All-tenants scopes granted, by reason",
	}, []string{"reason"})

	SchemaCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_schema_cache_lookups_total",
		Help: "Schema adapter cache lookups by result",
	}, []string{"result"})

	IntegrityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_integrity_violations_total",
		Help: "Version-chain integrity violations found by the sweep",
	}, []string{"kind"})

	IntegritySweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_integrity_sweeps_total",
		Help: "Integrity sweeps by result",
	}, []string{"result"})
)
