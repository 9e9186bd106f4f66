package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/unlock"
)

type fakeCache struct {
	mu      sync.Mutex
	themes  map[models.Theme]models.ThemeStatusEntry
	changes chan string
}

func newFakeCache() *fakeCache {
	themes := make(map[models.Theme]models.ThemeStatusEntry)
	for _, t := range models.AllThemes {
		themes[t] = models.ThemeStatusEntry{Price: 50, OriginalPrice: 100}
	}
	return &fakeCache{themes: themes, changes: make(chan string, 4)}
}

func (f *fakeCache) set(theme models.Theme, e models.ThemeStatusEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.themes[theme] = e
}

func (f *fakeCache) Get(ctx context.Context, subjectID string) (map[models.Theme]models.ThemeStatusEntry, error) {
	return f.Peek(subjectID), nil
}

func (f *fakeCache) Peek(subjectID string) map[models.Theme]models.ThemeStatusEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.Theme]models.ThemeStatusEntry, len(f.themes))
	for k, v := range f.themes {
		out[k] = v
	}
	return out
}

func (f *fakeCache) Watch(buf int) (<-chan string, func()) {
	return f.changes, func() {}
}

type fakeUnlocker struct {
	mu     sync.Mutex
	calls  []models.Theme
	err    error
	events chan unlock.Event
}

func (f *fakeUnlocker) Unlock(ctx context.Context, subjectID string, theme models.Theme) (*unlock.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, theme)
	return nil, f.err
}

func (f *fakeUnlocker) Subscribe(buf int) (<-chan unlock.Event, func()) {
	return f.events, func() {}
}

func newTestWatch(t *testing.T) (*WatchModel, *fakeCache, *fakeUnlocker) {
	t.Helper()
	cache := newFakeCache()
	unlocker := &fakeUnlocker{events: make(chan unlock.Event, 4)}
	return NewWatch("s1", cache, unlocker), cache, unlocker
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatchRendersThemes(t *testing.T) {
	m, cache, _ := newTestWatch(t)
	cache.set(models.ThemeHealth, models.ThemeStatusEntry{IsUnlocked: true, Content: "c"})

	_, cmd := m.Update(m.load()())
	assert.Nil(t, cmd)

	view := m.View()
	for _, theme := range models.AllThemes {
		assert.Contains(t, view, theme.DisplayName())
	}
	assert.Contains(t, view, "● unlocked")
	assert.Contains(t, view, "locked · 50 pts (was 100)")
	assert.Contains(t, view, "balance: unknown")
}

func TestWatchUnlockSelected(t *testing.T) {
	m, cache, unlocker := newTestWatch(t)

	m.Update(key("j"))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Unlocking Relationship")

	cache.set(models.ThemeRelationship, models.ThemeStatusEntry{IsLoading: true})
	m.Update(cmd())

	unlocker.mu.Lock()
	assert.Equal(t, []models.Theme{models.ThemeRelationship}, unlocker.calls)
	unlocker.mu.Unlock()
	assert.Contains(t, m.View(), "generating")

	// A loading theme is not submitted twice.
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestWatchInsufficientBalance(t *testing.T) {
	m, _, unlocker := newTestWatch(t)
	unlocker.err = &apiclient.APIError{Status: 402, Code: apiclient.CodeInsufficientPoints, Message: "insufficient points"}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m.Update(cmd())

	assert.Contains(t, m.View(), "Top up")
}

func TestWatchEvents(t *testing.T) {
	m, cache, unlocker := newTestWatch(t)
	k := models.NewTaskKey("s1", models.ThemeHealth)

	unlocker.events <- unlock.Event{Kind: unlock.EventBalanceChanged, Key: k, Balance: 450}
	_, cmd := m.Update(m.waitForEvent()())
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "balance: 450 pts")

	refunded := true
	unlocker.events <- unlock.Event{Kind: unlock.EventFailed, Key: k, Err: &unlock.UnlockError{Code: unlock.CodeTaskFailed, Message: "model error", Key: k, Refunded: &refunded}}
	m.Update(cmd())
	assert.Contains(t, m.View(), "model error (points refunded)")

	cache.set(models.ThemeHealth, models.ThemeStatusEntry{IsUnlocked: true, Content: "x"})
	unlocker.events <- unlock.Event{Kind: unlock.EventSucceeded, Key: k, Content: "x"}
	m.Update(cmd())
	view := m.View()
	assert.Contains(t, view, "✓ Health unlocked")
	assert.Equal(t, 1, strings.Count(view, "● unlocked"))

	// Other subjects are ignored.
	unlocker.events <- unlock.Event{Kind: unlock.EventFailed, Key: models.NewTaskKey("s2", models.ThemeHealth), Err: &unlock.UnlockError{Message: "nope"}}
	m.Update(cmd())
	assert.NotContains(t, m.View(), "nope")
}

func TestWatchCacheChanges(t *testing.T) {
	m, cache, _ := newTestWatch(t)

	cache.set(models.ThemeLifeColor, models.ThemeStatusEntry{IsLoading: true})
	cache.changes <- "other"
	cache.changes <- "s1"

	msg := m.waitForChange()()
	require.IsType(t, changedMsg{}, msg)
	_, cmd := m.Update(msg)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "generating")
}

func TestWatchQuit(t *testing.T) {
	m, _, _ := newTestWatch(t)
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
