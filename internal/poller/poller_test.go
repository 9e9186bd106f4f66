package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/clock"
	"github.com/fentz26/baziunlock/internal/metrics"
	"github.com/fentz26/baziunlock/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type step struct {
	status  string
	content string
	message string
	err     error
	block   chan struct{}
}

// scriptedQuerier replays steps in order and repeats the last one.
type scriptedQuerier struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	called chan int
}

func newQuerier(steps ...step) *scriptedQuerier {
	return &scriptedQuerier{steps: steps, called: make(chan int, 100)}
}

func (q *scriptedQuerier) GetTask(ctx context.Context, handle string) (*apiclient.TaskResponse, error) {
	q.mu.Lock()
	idx := q.calls
	if idx >= len(q.steps) {
		idx = len(q.steps) - 1
	}
	s := q.steps[idx]
	q.calls++
	n := q.calls
	q.mu.Unlock()

	q.called <- n
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return &apiclient.TaskResponse{Status: s.status, Content: s.content, Error: s.message}, nil
}

func (q *scriptedQuerier) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func collect() (Handler, chan Result) {
	ch := make(chan Result, 10)
	return func(_ context.Context, r Result) { ch <- r }, ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func waitCall(t *testing.T, q *scriptedQuerier) int {
	t.Helper()
	select {
	case n := <-q.called:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query")
		return 0
	}
}

// tick waits for the loop to schedule its next query and fires it.
func tick(fc *clock.Fake, d time.Duration) {
	fc.BlockUntil(1)
	fc.Advance(d)
}

func TestCompletesAfterProcessing(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(
		step{status: "processing"},
		step{status: "processing"},
		step{status: "completed", content: "X"},
	)
	handler, results := collect()
	c := New(q, handler, DefaultConfig(), WithClock(fc))
	defer c.StopAll()

	key := models.NewTaskKey("s1", models.ThemeLifeColor)
	require.True(t, c.Start(key, "T1", epoch))

	// First query runs without any clock movement.
	assert.Equal(t, 1, waitCall(t, q))
	assert.True(t, c.Active(key))

	tick(fc, DefaultInterval)
	assert.Equal(t, 2, waitCall(t, q))
	tick(fc, DefaultInterval)
	assert.Equal(t, 3, waitCall(t, q))

	r := waitResult(t, results)
	assert.Equal(t, OutcomeCompleted, r.Outcome)
	assert.Equal(t, "X", r.Content)
	assert.Equal(t, "T1", r.Handle)
	assert.Equal(t, 3, r.Polls)
	assert.Equal(t, 4*time.Second, r.Elapsed())

	assert.Eventually(t, func() bool { return !c.Active(key) && len(c.ActiveKeys()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartIsGuarded(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(step{status: "processing"})
	c := New(q, nil, DefaultConfig(), WithClock(fc))
	defer c.StopAll()

	key := models.NewTaskKey("s1", models.ThemeHealth)
	require.True(t, c.Start(key, "T1", epoch))
	assert.False(t, c.Start(key, "T2", epoch))

	waitCall(t, q)
	fc.BlockUntil(1)
	assert.Equal(t, 1, q.Calls())
	assert.Equal(t, 1, fc.Waiters())
}

func TestFailedCarriesMessage(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(step{status: "failed", message: "generation failed"})
	handler, results := collect()
	c := New(q, handler, DefaultConfig(), WithClock(fc))
	defer c.StopAll()

	c.Start(models.NewTaskKey("s1", models.ThemeHealth), "T1", epoch)

	r := waitResult(t, results)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Equal(t, "generation failed", r.Message)
	assert.Nil(t, r.Refunded)
}

func TestTransientErrorsRetry(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(
		step{err: errors.New("connection reset")},
		step{err: errors.New("connection reset")},
		step{status: "completed", content: "C"},
	)
	handler, results := collect()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	c := New(q, handler, DefaultConfig(), WithClock(fc), WithMetrics(m))
	defer c.StopAll()

	c.Start(models.NewTaskKey("s1", models.ThemeHealth), "T1", epoch)
	waitCall(t, q)
	tick(fc, DefaultInterval)
	waitCall(t, q)
	tick(fc, DefaultInterval)

	r := waitResult(t, results)
	assert.Equal(t, OutcomeCompleted, r.Outcome)

	expected := `
# HELP baziunlock_poll_errors_total Total number of task status queries that failed
# TYPE baziunlock_poll_errors_total counter
baziunlock_poll_errors_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "baziunlock_poll_errors_total"))
}

func TestTimesOutExactlyOnce(t *testing.T) {
	tests := map[string]step{
		"processing": {status: "processing"},
		"errors":     {err: errors.New("unreachable")},
	}

	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			fc := clock.NewFake(epoch)
			q := newQuerier(s)
			handler, results := collect()
			cfg := Config{Interval: time.Second, Timeout: 3 * time.Second}
			c := New(q, handler, cfg, WithClock(fc))
			defer c.StopAll()

			key := models.NewTaskKey("s1", models.ThemeCareerWealth)
			c.Start(key, "T1", epoch)

			// Queries at 0s..3s stay within the ceiling; the one at 4s exceeds it.
			waitCall(t, q)
			for i := 0; i < 4; i++ {
				tick(fc, time.Second)
				waitCall(t, q)
			}

			r := waitResult(t, results)
			assert.Equal(t, OutcomeTimedOut, r.Outcome)
			assert.Equal(t, 5, r.Polls)

			select {
			case extra := <-results:
				t.Fatalf("unexpected second result %+v", extra)
			case <-time.After(50 * time.Millisecond):
			}
			assert.Eventually(t, func() bool { return !c.Active(key) }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 5, q.Calls())
		})
	}
}

func TestStaleTaskTimesOutOnFirstTick(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(step{status: "pending"})
	handler, results := collect()
	c := New(q, handler, DefaultConfig(), WithClock(fc))
	defer c.StopAll()

	c.Start(models.NewTaskKey("s1", models.ThemeHealth), "T1", epoch.Add(-10*time.Minute))

	r := waitResult(t, results)
	assert.Equal(t, OutcomeTimedOut, r.Outcome)
	assert.Equal(t, 1, r.Polls)
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	fc := clock.NewFake(epoch)
	release := make(chan struct{})
	q := newQuerier(step{status: "completed", content: "late", block: release})
	handler, results := collect()
	c := New(q, handler, DefaultConfig(), WithClock(fc))

	key := models.NewTaskKey("s1", models.ThemeHealth)
	c.Start(key, "T1", epoch)
	waitCall(t, q)

	c.Stop(key)
	assert.False(t, c.Active(key))
	close(release)
	c.StopAll()

	select {
	case r := <-results:
		t.Fatalf("stopped loop delivered %+v", r)
	default:
	}
}

func TestStopThenRestart(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(step{status: "processing"}, step{status: "processing"}, step{status: "completed", content: "Y"})
	handler, results := collect()
	c := New(q, handler, DefaultConfig(), WithClock(fc))
	defer c.StopAll()

	key := models.NewTaskKey("s1", models.ThemeHealth)
	c.Start(key, "T1", epoch)
	waitCall(t, q)
	fc.BlockUntil(1)
	c.Stop(key)
	c.Stop(key)

	require.True(t, c.Start(key, "T1", epoch))
	waitCall(t, q)
	// The stopped loop left its timer behind.
	fc.BlockUntil(2)
	fc.Advance(DefaultInterval)

	r := waitResult(t, results)
	assert.Equal(t, "Y", r.Content)
}

func TestIndependentKeys(t *testing.T) {
	fc := clock.NewFake(epoch)
	q := newQuerier(step{status: "processing"})
	c := New(q, nil, DefaultConfig(), WithClock(fc))

	k1 := models.NewTaskKey("s1", models.ThemeHealth)
	k2 := models.NewTaskKey("s1", models.ThemeLifeLesson)
	c.Start(k1, "T1", epoch)
	c.Start(k2, "T2", epoch)
	waitCall(t, q)
	waitCall(t, q)

	assert.ElementsMatch(t, []models.TaskKey{k1, k2}, c.ActiveKeys())

	c.Stop(k1)
	assert.False(t, c.Active(k1))
	assert.True(t, c.Active(k2))

	c.StopAll()
	assert.Empty(t, c.ActiveKeys())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
