package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCommit(t *testing.T) {
	m.init()
	commits := testutil.ToFloat64(m.commits)
	retries := testutil.ToFloat64(m.commitRetries)
	inserted := testutil.ToFloat64(m.symbolsInserted)

	RecordCommit(Commit{SymbolsInserted: 3, Retried: true, Duration: 10 * time.Millisecond})

	assert.Equal(t, commits+1, testutil.ToFloat64(m.commits))
	assert.Equal(t, retries+1, testutil.ToFloat64(m.commitRetries))
	assert.Equal(t, inserted+3, testutil.ToFloat64(m.symbolsInserted))
}

func TestRecordFailuresAndEvictions(t *testing.T) {
	m.init()
	before := testutil.ToFloat64(m.commitFailures.WithLabelValues("integrity"))
	RecordCommitFailure("integrity")
	assert.Equal(t, before+1, testutil.ToFloat64(m.commitFailures.WithLabelValues("integrity")))

	lru := testutil.ToFloat64(m.evictions.WithLabelValues("lru"))
	RecordEviction("lru")
	assert.Equal(t, lru+1, testutil.ToFloat64(m.evictions.WithLabelValues("lru")))
}

func TestSetInventory(t *testing.T) {
	SetInventory(4, 1, 2048)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.workspaces))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.orphansMarked))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.indexBytes))
}

func TestRecordIndexRun(t *testing.T) {
	m.init()
	skipped := testutil.ToFloat64(m.filesSkipped)
	RecordIndexRun(10, 7, 3, 1, 0, time.Second)
	assert.Equal(t, skipped+7, testutil.ToFloat64(m.filesSkipped))
}
