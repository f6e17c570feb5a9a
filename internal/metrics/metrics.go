// Package metrics exposes Prometheus instrumentation for ingestion, indexing
// and eviction. Collectors are registered with the default registry on
// first use.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	once sync.Once

	// Ingestion
	commits            prometheus.Counter
	commitFailures     *prometheus.CounterVec
	commitRetries      prometheus.Counter
	symbolsInserted    prometheus.Counter
	symbolsSuperseded  prometheus.Counter
	relationshipsDrops prometheus.Counter
	orphanedParents    prometheus.Counter
	cyclesBroken       prometheus.Counter
	segmentFailures    prometheus.Counter
	commitDuration     prometheus.Histogram

	// Indexing
	filesScanned  prometheus.Counter
	filesSkipped  prometheus.Counter
	filesChanged  prometheus.Counter
	filesDeleted  prometheus.Counter
	extractErrors prometheus.Counter
	indexDuration prometheus.Histogram

	// Eviction
	evictions     *prometheus.CounterVec
	orphansMarked prometheus.Gauge
	workspaces    prometheus.Gauge
	indexBytes    prometheus.Gauge
}

var m collectors

func (c *collectors) init() {
	c.once.Do(func() {
		c.commits = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_commits_total", Help: "Batches committed"})
		c.commitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "codeindex_commit_failures_total", Help: "Batches rejected"}, []string{"reason"})
		c.commitRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_commit_retries_total", Help: "Batches retried after an integrity failure"})
		c.symbolsInserted = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_symbols_inserted_total", Help: "Symbols inserted"})
		c.symbolsSuperseded = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_symbols_superseded_total", Help: "Symbols replaced by a newer extraction of their file"})
		c.relationshipsDrops = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_relationships_dropped_total", Help: "Relationships dropped for a missing endpoint"})
		c.orphanedParents = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_orphaned_parents_total", Help: "Parent references nulled because the parent was unknown"})
		c.cyclesBroken = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_parent_cycles_broken_total", Help: "Parent cycles broken during ordering"})
		c.segmentFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_segment_failures_total", Help: "Text segment updates that failed after a commit"})

		c.filesScanned = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_files_scanned_total", Help: "Files fingerprinted"})
		c.filesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_files_skipped_total", Help: "Files skipped because their fingerprint was unchanged"})
		c.filesChanged = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_files_changed_total", Help: "Files extracted because they were new or changed"})
		c.filesDeleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_files_deleted_total", Help: "Files removed from a store because they disappeared"})
		c.extractErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "codeindex_extract_errors_total", Help: "Files whose extraction failed"})

		c.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "codeindex_evictions_total", Help: "Workspaces evicted"}, []string{"reason"})
		c.orphansMarked = prometheus.NewGauge(prometheus.GaugeOpts{Name: "codeindex_orphans", Help: "Store directories with no registry entry"})
		c.workspaces = prometheus.NewGauge(prometheus.GaugeOpts{Name: "codeindex_workspaces", Help: "Registered workspaces"})
		c.indexBytes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "codeindex_index_bytes", Help: "Total size of all workspace stores"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
		c.commitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "codeindex_commit_seconds", Help: "Duration of one batch commit", Buckets: buckets})
		c.indexDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "codeindex_index_seconds", Help: "Duration of one indexing run", Buckets: buckets})

		prometheus.MustRegister(
			c.commits, c.commitFailures, c.commitRetries,
			c.symbolsInserted, c.symbolsSuperseded, c.relationshipsDrops,
			c.orphanedParents, c.cyclesBroken, c.segmentFailures, c.commitDuration,
			c.filesScanned, c.filesSkipped, c.filesChanged, c.filesDeleted, c.extractErrors, c.indexDuration,
			c.evictions, c.orphansMarked, c.workspaces, c.indexBytes,
		)
	})
}

// Commit is the outcome of one successful batch commit
type Commit struct {
	SymbolsInserted      int
	SymbolsSuperseded    int
	RelationshipsDropped int
	OrphanedParents      int
	CyclesBroken         int
	Retried              bool
	SegmentFailed        bool
	Duration             time.Duration
}

// RecordCommit records a successful commit
func RecordCommit(c Commit) {
	m.init()
	m.commits.Inc()
	m.symbolsInserted.Add(float64(c.SymbolsInserted))
	m.symbolsSuperseded.Add(float64(c.SymbolsSuperseded))
	m.relationshipsDrops.Add(float64(c.RelationshipsDropped))
	m.orphanedParents.Add(float64(c.OrphanedParents))
	m.cyclesBroken.Add(float64(c.CyclesBroken))
	if c.Retried {
		m.commitRetries.Inc()
	}
	if c.SegmentFailed {
		m.segmentFailures.Inc()
	}
	m.commitDuration.Observe(c.Duration.Seconds())
}

// RecordCommitFailure records a rejected batch
func RecordCommitFailure(reason string) {
	m.init()
	m.commitFailures.WithLabelValues(reason).Inc()
}

// RecordIndexRun records one indexing run
func RecordIndexRun(scanned, skipped, changed, deleted, extractErrors int, d time.Duration) {
	m.init()
	m.filesScanned.Add(float64(scanned))
	m.filesSkipped.Add(float64(skipped))
	m.filesChanged.Add(float64(changed))
	m.filesDeleted.Add(float64(deleted))
	m.extractErrors.Add(float64(extractErrors))
	m.indexDuration.Observe(d.Seconds())
}

// RecordEviction records a workspace removed by a sweep ("ttl" or "lru")
func RecordEviction(reason string) {
	m.init()
	m.evictions.WithLabelValues(reason).Inc()
}

// SetInventory publishes the registry totals observed by a sweep
func SetInventory(workspaces, orphans int, indexBytes int64) {
	m.init()
	m.workspaces.Set(float64(workspaces))
	m.orphansMarked.Set(float64(orphans))
	m.indexBytes.Set(float64(indexBytes))
}
