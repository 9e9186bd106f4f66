package themecache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/clock"
	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAPI struct {
	mu       sync.Mutex
	unlocked map[string]map[models.Theme]string
	pricing  []apiclient.ThemePrice

	statusErr  error
	batchErr   error
	pricingErr error

	statusCalls  int
	pricingCalls int
	batchReqs    [][]string

	// statusGate, when set, holds ThemeStatus until closed.
	statusGate    chan struct{}
	statusEntered chan struct{}

	// pricingGate, when set, holds Pricing until closed.
	pricingGate    chan struct{}
	pricingEntered chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		unlocked: make(map[string]map[models.Theme]string),
		pricing: []apiclient.ThemePrice{
			{Theme: "health", Price: 30, OriginalPrice: 50},
			{Theme: "career_wealth", Price: 40},
			{Theme: "not_a_theme", Price: 1},
		},
		statusEntered:  make(chan struct{}, 10),
		pricingEntered: make(chan struct{}, 10),
	}
}

func (f *fakeAPI) unlock(subject string, theme models.Theme, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unlocked[subject] == nil {
		f.unlocked[subject] = make(map[models.Theme]string)
	}
	f.unlocked[subject][theme] = content
}

func (f *fakeAPI) ThemeStatus(ctx context.Context, subjectID string) (*apiclient.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	gate := f.statusGate
	err := f.statusErr
	f.mu.Unlock()

	f.statusEntered <- struct{}{}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &apiclient.StatusResponse{}
	for _, theme := range models.AllThemes {
		_, ok := f.unlocked[subjectID][theme]
		resp.Status = append(resp.Status, apiclient.ThemeUnlockState{Theme: string(theme), IsUnlocked: ok})
	}
	return resp, nil
}

func (f *fakeAPI) BatchThemes(ctx context.Context, subjectID string, themes []string) (*apiclient.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchReqs = append(f.batchReqs, themes)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	resp := &apiclient.BatchResponse{}
	for _, t := range themes {
		content, ok := f.unlocked[subjectID][models.Theme(t)]
		resp.Themes = append(resp.Themes, apiclient.BatchTheme{Theme: t, IsUnlocked: ok, Content: content})
	}
	return resp, nil
}

func (f *fakeAPI) Pricing(ctx context.Context) (*apiclient.PricingResponse, error) {
	f.mu.Lock()
	f.pricingCalls++
	gate := f.pricingGate
	f.mu.Unlock()

	select {
	case f.pricingEntered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pricingErr != nil {
		return nil, f.pricingErr
	}
	return &apiclient.PricingResponse{Pricing: f.pricing}, nil
}

func (f *fakeAPI) counts() (status, pricing, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.pricingCalls, len(f.batchReqs)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func expected(overrides map[models.Theme]models.ThemeStatusEntry) map[models.Theme]models.ThemeStatusEntry {
	out := map[models.Theme]models.ThemeStatusEntry{}
	for _, theme := range models.AllThemes {
		out[theme] = models.ThemeStatusEntry{}
	}
	out[models.ThemeHealth] = models.ThemeStatusEntry{Price: 30, OriginalPrice: 50}
	out[models.ThemeCareerWealth] = models.ThemeStatusEntry{Price: 40}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func TestGet_DefaultsWithPricing(t *testing.T) {
	api := newFakeAPI()
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	got, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(expected(nil), got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestGet_ContentCacheThenBatch(t *testing.T) {
	api := newFakeAPI()
	api.unlock("s1", models.ThemeHealth, "server health")
	api.unlock("s1", models.ThemeCareerWealth, "career text")

	db := newTestStore(t)
	require.NoError(t, db.PutThemeContent("s1", models.ThemeHealth, "cached health"))

	c := New(api, db, DefaultConfig(), WithClock(clock.NewFake(epoch)))
	got, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)

	want := expected(map[models.Theme]models.ThemeStatusEntry{
		models.ThemeHealth:       {IsUnlocked: true, Content: "cached health", Price: 30, OriginalPrice: 50},
		models.ThemeCareerWealth: {IsUnlocked: true, Content: "career text", Price: 40},
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	// Only the uncached theme was requested in batch.
	require.Len(t, api.batchReqs, 1)
	assert.Equal(t, []string{"career_wealth"}, api.batchReqs[0])

	persisted, err := db.GetSubjectThemeContent("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, "career text", persisted[models.ThemeCareerWealth])
}

func TestGet_FreshnessWindow(t *testing.T) {
	api := newFakeAPI()
	fc := clock.NewFake(epoch)
	c := New(api, nil, DefaultConfig(), WithClock(fc))
	ctx := context.Background()

	_, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	_, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	status, pricing, _ := api.counts()
	assert.Equal(t, 1, status)
	assert.Equal(t, 1, pricing)

	fc.Advance(DefaultStatusTTL)
	_, err = c.Get(ctx, "s1")
	require.NoError(t, err)
	status, pricing, _ = api.counts()
	assert.Equal(t, 2, status)
	assert.Equal(t, 1, pricing, "pricing has its own, longer window")
}

func TestGet_ConcurrentCallersShareFetch(t *testing.T) {
	api := newFakeAPI()
	api.statusGate = make(chan struct{})
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "s1")
			assert.NoError(t, err)
		}()
	}

	<-api.statusEntered
	// Let the other callers pile onto the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(api.statusGate)
	wg.Wait()

	status, _, _ := api.counts()
	assert.Equal(t, 1, status)
}

func TestGet_StatusErrorKeepsCachedContent(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = &apiclient.APIError{Code: apiclient.CodeNetworkError, Message: "offline"}
	db := newTestStore(t)
	require.NoError(t, db.PutThemeContent("s1", models.ThemeLifeColor, "blue"))

	c := New(api, db, DefaultConfig(), WithClock(clock.NewFake(epoch)))
	got, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusEntry{IsUnlocked: true, Content: "blue"}, got[models.ThemeLifeColor])

	// The entry stays stale so the next read retries.
	_, err = c.Get(context.Background(), "s1")
	require.NoError(t, err)
	status, _, batch := api.counts()
	assert.Equal(t, 2, status)
	assert.Zero(t, batch)
}

func TestGet_BatchErrorLeavesStale(t *testing.T) {
	api := newFakeAPI()
	api.unlock("s1", models.ThemeHealth, "H")
	api.batchErr = errors.New("boom")
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	got, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, got[models.ThemeHealth].IsUnlocked)
	assert.Empty(t, got[models.ThemeHealth].Content)

	api.mu.Lock()
	api.batchErr = nil
	api.mu.Unlock()

	got, err = c.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "H", got[models.ThemeHealth].Content)
}

func TestFetchDoesNotClobberUnlockResult(t *testing.T) {
	api := newFakeAPI()
	api.statusGate = make(chan struct{})
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), "s1")
	}()

	<-api.statusEntered
	// The server has not caught up yet, but the task just completed locally.
	c.ApplyUnlockResult("s1", models.ThemeHealth, "fresh content")
	close(api.statusGate)
	<-done

	got := c.Peek("s1")
	assert.Equal(t, models.ThemeStatusEntry{IsUnlocked: true, Content: "fresh content", Price: 30, OriginalPrice: 50}, got[models.ThemeHealth])
}

func TestLoadingOverlaySurvivesFetch(t *testing.T) {
	api := newFakeAPI()
	api.unlock("s1", models.ThemeRelationship, "R")
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	c.SetLoading("s1", models.ThemeHealth, true)
	assert.True(t, c.Peek("s1")[models.ThemeHealth].IsLoading)

	got, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, got[models.ThemeHealth].IsLoading)

	// Loading on an unlocked theme keeps its content.
	c.SetLoading("s1", models.ThemeRelationship, true)
	e := c.Peek("s1")[models.ThemeRelationship]
	assert.True(t, e.IsLoading)
	assert.Equal(t, "R", e.Content)

	c.SetLoading("s1", models.ThemeHealth, false)
	assert.False(t, c.Peek("s1")[models.ThemeHealth].IsLoading)
}

func TestApplyUnlockResult(t *testing.T) {
	db := newTestStore(t)
	c := New(newFakeAPI(), db, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	c.SetLoading("s1", models.ThemeYearlyFortune, true)
	c.ApplyUnlockResult("s1", models.ThemeYearlyFortune, "2026 looks bright")

	e := c.Peek("s1")[models.ThemeYearlyFortune]
	assert.Equal(t, models.ThemeStatusEntry{IsUnlocked: true, Content: "2026 looks bright"}, e)

	persisted, err := db.GetSubjectThemeContent("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026 looks bright", persisted[models.ThemeYearlyFortune])

	// Empty content keeps what is there.
	c.ApplyUnlockResult("s1", models.ThemeYearlyFortune, "")
	assert.Equal(t, "2026 looks bright", c.Peek("s1")[models.ThemeYearlyFortune].Content)
}

func TestConcurrentUpdatesDoNotInterfere(t *testing.T) {
	c := New(newFakeAPI(), nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	var wg sync.WaitGroup
	for _, theme := range models.AllThemes {
		wg.Add(1)
		go func(theme models.Theme) {
			defer wg.Done()
			c.SetLoading("s1", theme, true)
			c.ApplyUnlockResult("s1", theme, "content-"+string(theme))
		}(theme)
	}
	wg.Wait()

	got := c.Peek("s1")
	for _, theme := range models.AllThemes {
		assert.Equal(t, models.ThemeStatusEntry{IsUnlocked: true, Content: "content-" + string(theme)}, got[theme], theme)
	}
}

func TestRefreshBypassesWindow(t *testing.T) {
	api := newFakeAPI()
	db := newTestStore(t)
	c := New(api, db, DefaultConfig(), WithClock(clock.NewFake(epoch)))
	ctx := context.Background()

	_, err := c.Get(ctx, "s1")
	require.NoError(t, err)

	api.unlock("s1", models.ThemeLifeLesson, "L")
	got, err := c.Refresh(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "L", got[models.ThemeLifeLesson].Content)

	status, _, _ := api.counts()
	assert.Equal(t, 2, status)
}

func TestInvalidateEvictsNamedThemes(t *testing.T) {
	db := newTestStore(t)
	require.NoError(t, db.PutThemeContent("s1", models.ThemeHealth, "old"))
	c := New(newFakeAPI(), db, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	c.Invalidate("s1", models.ThemeHealth)

	persisted, err := db.GetSubjectThemeContent("s1", 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestGet_CancelledContext(t *testing.T) {
	api := newFakeAPI()
	api.statusGate = make(chan struct{})
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "s1")
		errc <- err
	}()

	<-api.statusEntered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The shared fetch still finishes for later callers.
	close(api.statusGate)
	_, err := c.Get(context.Background(), "s1")
	require.NoError(t, err)
}

func TestPricing(t *testing.T) {
	api := newFakeAPI()
	fc := clock.NewFake(epoch)
	c := New(api, nil, DefaultConfig(), WithClock(fc))
	ctx := context.Background()

	table, err := c.Pricing(ctx)
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, 50, table[models.ThemeHealth].OriginalPrice)

	api.mu.Lock()
	api.pricingErr = errors.New("down")
	api.mu.Unlock()

	_, err = c.Pricing(ctx)
	require.NoError(t, err, "served from cache inside the window")

	fc.Advance(DefaultPricingTTL)
	table, err = c.Pricing(ctx)
	require.Error(t, err)
	assert.Len(t, table, 2, "last known table is still returned")
}

func TestPricing_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	api := newFakeAPI()
	api.pricingGate = make(chan struct{})
	c := New(api, nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Pricing(ctx)
		first <- err
	}()
	<-api.pricingEntered

	type result struct {
		table map[models.Theme]models.PricingEntry
		err   error
	}
	second := make(chan result, 1)
	go func() {
		table, err := c.Pricing(context.Background())
		second <- result{table, err}
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(api.pricingGate)
	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.table, 2)
}

func TestWatch(t *testing.T) {
	c := New(newFakeAPI(), nil, DefaultConfig(), WithClock(clock.NewFake(epoch)))

	events, cancel := c.Watch(4)
	c.SetLoading("s9", models.ThemeHealth, true)

	select {
	case subject := <-events:
		assert.Equal(t, "s9", subject)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// Notifying after cancel must not panic.
	c.SetLoading("s9", models.ThemeHealth, false)
}
