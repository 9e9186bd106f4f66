package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	require.NotNil(t, c)
	assert.NotNil(t, c.unlocksSubmitted)
	assert.NotNil(t, c.activePolls)
	assert.NotNil(t, c.unlockLatency)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordSubmitted()
	c.RecordSubmitted()
	c.RecordAlreadyUnlocked()
	c.RecordCompleted(3.5)
	c.RecordFailed(1)
	c.RecordTimedOut()
	c.RecordSubmitError("INSUFFICIENT_POINTS")
	c.RecordSubmitError("")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.unlocksSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unlocksAlreadyUnlocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unlocksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unlocksFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unlocksTimedOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submitErrors.WithLabelValues("INSUFFICIENT_POINTS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submitErrors.WithLabelValues("unknown")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.unlockLatency))
}

func TestRecordPolling(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 5; i++ {
		c.RecordPollTick(i%2 == 0)
	}
	c.SetActivePolls(3)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.pollTicks))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.pollErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activePolls))
}

func TestRecordCache(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordCacheFetch()
	c.RecordCacheFetchError("status")
	c.RecordContentCacheHits(4)
	c.RecordContentCacheHits(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheFetches))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheFetchErrors.WithLabelValues("status")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.contentCacheHits))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted()
		c.RecordAlreadyUnlocked()
		c.RecordSubmitError("X")
		c.RecordCompleted(1)
		c.RecordFailed(1)
		c.RecordTimedOut()
		c.RecordPollTick(true)
		c.SetActivePolls(1)
		c.RecordCacheFetch()
		c.RecordCacheFetchError("batch")
		c.RecordContentCacheHits(2)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSubmitted()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "baziunlock_unlocks_submitted_total 1")
}
