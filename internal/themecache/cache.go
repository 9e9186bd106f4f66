// Package themecache keeps per-subject theme status in memory, backed by the
// fortune API and a durable content cache.
//
// A fetch never overwrites a theme that was updated locally while the fetch
// was in flight, and it never touches the loading overlay.
package themecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/clock"
	"github.com/fentz26/baziunlock/internal/metrics"
	"github.com/fentz26/baziunlock/internal/models"
)

// Default freshness windows.
const (
	DefaultStatusTTL  = 2 * time.Minute
	DefaultPricingTTL = 30 * time.Minute
	DefaultContentTTL = 7 * 24 * time.Hour
)

// API is the subset of the fortune API the cache reads.
type API interface {
	ThemeStatus(ctx context.Context, subjectID string) (*apiclient.StatusResponse, error)
	BatchThemes(ctx context.Context, subjectID string, themes []string) (*apiclient.BatchResponse, error)
	Pricing(ctx context.Context) (*apiclient.PricingResponse, error)
}

// ContentStore persists unlocked content across restarts.
type ContentStore interface {
	GetSubjectThemeContent(subjectID string, maxAge time.Duration) (map[models.Theme]string, error)
	PutThemeContent(subjectID string, theme models.Theme, content string) error
	PutThemeContentBatch(subjectID string, contents map[models.Theme]string) error
	DeleteThemeContent(subjectID string, theme models.Theme) error
}

// Config holds the cache windows.
type Config struct {
	StatusTTL  time.Duration
	PricingTTL time.Duration
	ContentTTL time.Duration
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		StatusTTL:  DefaultStatusTTL,
		PricingTTL: DefaultPricingTTL,
		ContentTTL: DefaultContentTTL,
	}
}

type themeState struct {
	entry models.ThemeStatusEntry
	rev   uint64
}

type subjectState struct {
	themes    map[models.Theme]*themeState
	fetchedAt time.Time
	// gen increments on every invalidation.
	gen uint64
}

// Cache is the theme status cache.
type Cache struct {
	api     API
	content ContentStore
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	group singleflight.Group

	mu        sync.Mutex
	subjects  map[string]*subjectState
	pricing   map[models.Theme]models.PricingEntry
	pricingAt time.Time
	watchers  map[int]chan string
	nextWatch int
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock used for freshness.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cache *Cache) {
		if l != nil {
			cache.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(cache *Cache) { cache.metrics = m }
}

// New creates a cache. content may be nil to disable the durable layer.
func New(api API, content ContentStore, cfg Config, opts ...Option) *Cache {
	if cfg.StatusTTL < 0 {
		cfg.StatusTTL = 0
	}
	c := &Cache{
		api:      api,
		content:  content,
		clock:    clock.Real{},
		cfg:      cfg,
		logger:   zap.NewNop(),
		subjects: make(map[string]*subjectState),
		watchers: make(map[int]chan string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("themecache")
	return c
}

// Get returns the status of every theme for subjectID, fetching when the
// cached state is stale. Only context errors are returned; fetch failures
// leave the last known state in place.
func (c *Cache) Get(ctx context.Context, subjectID string) (map[models.Theme]models.ThemeStatusEntry, error) {
	if subjectID == "" {
		return c.Peek(subjectID), nil
	}

	c.mu.Lock()
	st := c.subjectLocked(subjectID)
	if c.freshLocked(st) {
		snap := c.snapshotLocked(st)
		c.mu.Unlock()
		return snap, nil
	}
	gen := st.gen
	c.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("status:%s#%d", subjectID, gen), func() (interface{}, error) {
		c.fetch(fetchCtx, subjectID, gen)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return c.Peek(subjectID), ctx.Err()
	case <-ch:
	}
	return c.Peek(subjectID), nil
}

// Refresh invalidates subjectID and fetches it again.
func (c *Cache) Refresh(ctx context.Context, subjectID string) (map[models.Theme]models.ThemeStatusEntry, error) {
	c.Invalidate(subjectID)
	return c.Get(ctx, subjectID)
}

// Peek returns the cached state without fetching. Unknown subjects yield defaults.
func (c *Cache) Peek(subjectID string) map[models.Theme]models.ThemeStatusEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.subjects[subjectID]
	if !ok {
		return c.defaultsLocked()
	}
	return c.snapshotLocked(st)
}

// Invalidate marks subjectID stale so the next Get refetches. Named themes
// also lose their durable content and will be reloaded from the server.
func (c *Cache) Invalidate(subjectID string, themes ...models.Theme) {
	c.mu.Lock()
	if st, ok := c.subjects[subjectID]; ok {
		st.gen++
		st.fetchedAt = time.Time{}
	}
	c.mu.Unlock()

	if c.content == nil {
		return
	}
	for _, theme := range themes {
		if err := c.content.DeleteThemeContent(subjectID, theme); err != nil {
			c.logger.Warn("failed to evict cached content",
				zap.String("subject", subjectID), zap.String("theme", string(theme)), zap.Error(err))
		}
	}
}

// SetLoading overlays the loading flag on one theme, keeping its content.
func (c *Cache) SetLoading(subjectID string, theme models.Theme, loading bool) {
	c.mu.Lock()
	ts := c.themeLocked(subjectID, theme)
	changed := ts.entry.IsLoading != loading
	ts.entry.IsLoading = loading
	c.mu.Unlock()

	if changed {
		c.notify(subjectID)
	}
}

// ApplyUnlockResult marks theme unlocked, stores non-empty content and clears
// loading in one step. The content is also written to the durable cache.
func (c *Cache) ApplyUnlockResult(subjectID string, theme models.Theme, content string) {
	c.mu.Lock()
	ts := c.themeLocked(subjectID, theme)
	ts.rev++
	ts.entry.IsUnlocked = true
	if content != "" {
		ts.entry.Content = content
	}
	ts.entry.IsLoading = false
	c.mu.Unlock()

	if content != "" && c.content != nil {
		if err := c.content.PutThemeContent(subjectID, theme, content); err != nil {
			c.logger.Warn("failed to cache unlocked content",
				zap.String("subject", subjectID), zap.String("theme", string(theme)), zap.Error(err))
		}
	}
	c.notify(subjectID)
}

// Pricing returns the pricing table, refetching it after the pricing window.
// On error the last known table is returned with the error.
func (c *Cache) Pricing(ctx context.Context) (map[models.Theme]models.PricingEntry, error) {
	c.mu.Lock()
	if c.pricing != nil && c.clock.Now().Sub(c.pricingAt) < c.cfg.PricingTTL {
		out := copyPricing(c.pricing)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("pricing", func() (interface{}, error) {
		resp, err := c.api.Pricing(fetchCtx)
		if err != nil {
			return nil, err
		}
		table := make(map[models.Theme]models.PricingEntry, len(resp.Pricing))
		for _, p := range resp.Pricing {
			if !models.ValidTheme(p.Theme) {
				continue
			}
			table[models.Theme(p.Theme)] = models.PricingEntry{
				Theme:         models.Theme(p.Theme),
				Price:         p.Price,
				OriginalPrice: p.OriginalPrice,
			}
		}

		c.mu.Lock()
		c.pricing = table
		c.pricingAt = c.clock.Now()
		c.mu.Unlock()
		return nil, nil
	})

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err = res.Err
	}

	c.mu.Lock()
	out := copyPricing(c.pricing)
	c.mu.Unlock()
	if err != nil {
		return out, fmt.Errorf("fetching pricing: %w", err)
	}
	return out, nil
}

// Watch returns a channel receiving subject IDs whenever a subject's cached
// state changes, and a function that ends the subscription. Notifications
// are dropped when the channel is full.
func (c *Cache) Watch(buf int) (<-chan string, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan string, buf)

	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Cache) notify(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- subjectID:
		default:
		}
	}
}

// fetch runs the status pipeline and merges its result.
func (c *Cache) fetch(ctx context.Context, subjectID string, gen uint64) {
	c.metrics.RecordCacheFetch()

	c.mu.Lock()
	revs := make(map[models.Theme]uint64, len(models.AllThemes))
	for _, theme := range models.AllThemes {
		revs[theme] = c.themeLocked(subjectID, theme).rev
	}
	c.mu.Unlock()

	var (
		pricing   map[models.Theme]models.PricingEntry
		status    *apiclient.StatusResponse
		statusErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.Pricing(gctx)
		if err != nil {
			c.logger.Warn("pricing unavailable", zap.Error(err))
			c.metrics.RecordCacheFetchError("pricing")
		}
		pricing = p
		return nil
	})
	g.Go(func() error {
		status, statusErr = c.api.ThemeStatus(gctx, subjectID)
		return nil
	})
	_ = g.Wait()

	fresh := make(map[models.Theme]models.ThemeStatusEntry, len(models.AllThemes))
	for _, theme := range models.AllThemes {
		fresh[theme] = models.ThemeStatusEntry{}
	}

	cached := c.loadContent(subjectID)
	for theme, content := range cached {
		if e, ok := fresh[theme]; ok {
			e.IsUnlocked = true
			e.Content = content
			fresh[theme] = e
		}
	}

	complete := statusErr == nil
	if statusErr != nil {
		c.logger.Warn("failed to load theme status", zap.String("subject", subjectID), zap.Error(statusErr))
		c.metrics.RecordCacheFetchError("status")
	} else {
		var need []string
		for _, s := range status.Status {
			theme := models.Theme(s.Theme)
			e, ok := fresh[theme]
			if !ok {
				continue
			}
			e.IsUnlocked = s.IsUnlocked
			fresh[theme] = e
			if _, have := cached[theme]; s.IsUnlocked && !have {
				need = append(need, s.Theme)
			}
		}

		if len(need) > 0 {
			if !c.loadBatch(ctx, subjectID, need, fresh) {
				complete = false
			}
		}
	}

	c.merge(subjectID, gen, revs, fresh, pricing, statusErr == nil, complete)
}

func (c *Cache) loadContent(subjectID string) map[models.Theme]string {
	if c.content == nil {
		return nil
	}
	cached, err := c.content.GetSubjectThemeContent(subjectID, c.cfg.ContentTTL)
	if err != nil {
		c.logger.Warn("failed to read content cache", zap.String("subject", subjectID), zap.Error(err))
		c.metrics.RecordCacheFetchError("content")
		return nil
	}
	c.metrics.RecordContentCacheHits(len(cached))
	return cached
}

// loadBatch fetches missing content into fresh and persists it.
func (c *Cache) loadBatch(ctx context.Context, subjectID string, themes []string, fresh map[models.Theme]models.ThemeStatusEntry) bool {
	resp, err := c.api.BatchThemes(ctx, subjectID, themes)
	if err != nil {
		c.logger.Warn("failed to load theme content", zap.String("subject", subjectID), zap.Strings("themes", themes), zap.Error(err))
		c.metrics.RecordCacheFetchError("batch")
		return false
	}

	toStore := make(map[models.Theme]string)
	for _, t := range resp.Themes {
		theme := models.Theme(t.Theme)
		e, ok := fresh[theme]
		if !ok {
			continue
		}
		e.IsUnlocked = t.IsUnlocked
		if t.Content != "" {
			e.Content = t.Content
			toStore[theme] = t.Content
		}
		fresh[theme] = e
	}

	if c.content != nil && len(toStore) > 0 {
		if err := c.content.PutThemeContentBatch(subjectID, toStore); err != nil {
			c.logger.Warn("failed to write content cache", zap.String("subject", subjectID), zap.Error(err))
		}
	}
	return true
}

// merge applies a fetch result field by field. authoritative means the
// server status was read and may clear IsUnlocked; complete marks the
// subject fresh.
func (c *Cache) merge(subjectID string, gen uint64, revs map[models.Theme]uint64, fresh map[models.Theme]models.ThemeStatusEntry, pricing map[models.Theme]models.PricingEntry, authoritative, complete bool) {
	c.mu.Lock()
	st := c.subjectLocked(subjectID)
	for theme, f := range fresh {
		ts := st.themes[theme]
		if p, ok := pricing[theme]; ok {
			ts.entry.Price = p.Price
			ts.entry.OriginalPrice = p.OriginalPrice
		}
		if ts.rev != revs[theme] {
			continue
		}
		if authoritative {
			ts.entry.IsUnlocked = f.IsUnlocked
		} else if f.IsUnlocked {
			ts.entry.IsUnlocked = true
		}
		if f.Content != "" {
			ts.entry.Content = f.Content
		}
	}
	if complete && st.gen == gen {
		st.fetchedAt = c.clock.Now()
	}
	c.mu.Unlock()

	c.notify(subjectID)
}

func (c *Cache) freshLocked(st *subjectState) bool {
	if st.fetchedAt.IsZero() {
		return false
	}
	return c.clock.Now().Sub(st.fetchedAt) < c.cfg.StatusTTL
}

func (c *Cache) subjectLocked(subjectID string) *subjectState {
	st, ok := c.subjects[subjectID]
	if !ok {
		st = &subjectState{themes: make(map[models.Theme]*themeState, len(models.AllThemes))}
		for _, theme := range models.AllThemes {
			st.themes[theme] = &themeState{}
		}
		c.subjects[subjectID] = st
	}
	return st
}

func (c *Cache) themeLocked(subjectID string, theme models.Theme) *themeState {
	st := c.subjectLocked(subjectID)
	ts, ok := st.themes[theme]
	if !ok {
		ts = &themeState{}
		st.themes[theme] = ts
	}
	return ts
}

func (c *Cache) snapshotLocked(st *subjectState) map[models.Theme]models.ThemeStatusEntry {
	out := make(map[models.Theme]models.ThemeStatusEntry, len(st.themes))
	for theme, ts := range st.themes {
		e := ts.entry
		if e.Price == 0 {
			if p, ok := c.pricing[theme]; ok {
				e.Price = p.Price
				e.OriginalPrice = p.OriginalPrice
			}
		}
		out[theme] = e
	}
	return out
}

func (c *Cache) defaultsLocked() map[models.Theme]models.ThemeStatusEntry {
	out := make(map[models.Theme]models.ThemeStatusEntry, len(models.AllThemes))
	for _, theme := range models.AllThemes {
		var e models.ThemeStatusEntry
		if p, ok := c.pricing[theme]; ok {
			e.Price = p.Price
			e.OriginalPrice = p.OriginalPrice
		}
		out[theme] = e
	}
	return out
}

func copyPricing(in map[models.Theme]models.PricingEntry) map[models.Theme]models.PricingEntry {
	if in == nil {
		return nil
	}
	out := make(map[models.Theme]models.PricingEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
