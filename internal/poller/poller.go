// Package poller drives one periodic status query loop per unlock task.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/clock"
	"github.com/fentz26/baziunlock/internal/metrics"
	"github.com/fentz26/baziunlock/internal/models"
)

// Default timing.
const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

// Querier fetches the server-side state of a task.
type Querier interface {
	GetTask(ctx context.Context, handle string) (*apiclient.TaskResponse, error)
}

// Outcome is how a poll loop ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the single terminal report of a poll loop.
type Result struct {
	Key       models.TaskKey
	Handle    string
	Outcome   Outcome
	Content   string
	Message   string
	Refunded  *bool
	StartedAt time.Time
	EndedAt   time.Time
	Polls     int
}

// Elapsed is the time from task start to the terminal observation.
func (r Result) Elapsed() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Handler receives terminal results. It runs on the loop's goroutine and
// must not call StopAll.
type Handler func(ctx context.Context, r Result)

// Config holds loop timing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Timeout: DefaultTimeout}
}

type loop struct {
	handle    string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	finishing bool
}

// Controller owns the set of active poll loops.
type Controller struct {
	querier Querier
	handler Handler
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	loops map[models.TaskKey]*loop
	wg    sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// New creates a controller that reports terminal results to handler.
func New(q Querier, handler Handler, cfg Config, opts ...Option) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Controller{
		querier: q,
		handler: handler,
		clock:   clock.Real{},
		cfg:     cfg,
		logger:  zap.NewNop(),
		loops:   make(map[models.TaskKey]*loop),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("poller")
	return c
}

// Start begins polling handle for key. The first query runs immediately.
// It returns false without side effects if key already has a loop.
func (c *Controller) Start(key models.TaskKey, handle string, startedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.loops[key]; ok {
		c.logger.Debug("already polling", zap.Stringer("key", key))
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{handle: handle, startedAt: startedAt, ctx: ctx, cancel: cancel}
	c.loops[key] = l
	c.metrics.SetActivePolls(len(c.loops))

	c.wg.Add(1)
	go c.run(key, l)

	c.logger.Debug("polling started", zap.Stringer("key", key), zap.String("task", handle))
	return true
}

// Active reports whether key has a loop that has not yet reached a terminal state.
func (c *Controller) Active(key models.TaskKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.loops[key]
	return ok && !l.finishing
}

// ActiveKeys lists keys with running loops.
func (c *Controller) ActiveKeys() []models.TaskKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]models.TaskKey, 0, len(c.loops))
	for k, l := range c.loops {
		if !l.finishing {
			keys = append(keys, k)
		}
	}
	return keys
}

// Stop cancels the loop for key. An in-flight query's result is discarded.
// Stopping an idle key is a no-op.
func (c *Controller) Stop(key models.TaskKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.loops[key]
	if !ok {
		return
	}
	l.cancel()
	delete(c.loops, key)
	c.metrics.SetActivePolls(len(c.loops))
	c.logger.Debug("polling stopped", zap.Stringer("key", key))
}

// StopAll cancels every loop and waits for their goroutines to exit.
func (c *Controller) StopAll() {
	c.mu.Lock()
	for key, l := range c.loops {
		l.cancel()
		delete(c.loops, key)
	}
	c.metrics.SetActivePolls(0)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) run(key models.TaskKey, l *loop) {
	defer c.wg.Done()
	defer l.cancel()

	for polls := 1; ; polls++ {
		resp, err := c.querier.GetTask(l.ctx, l.handle)
		c.metrics.RecordPollTick(err != nil)
		if l.ctx.Err() != nil {
			return
		}

		res, done := c.evaluate(key, l, resp, err, polls)
		if done {
			if !c.claim(key, l) {
				return
			}
			c.logger.Info("poll finished",
				zap.Stringer("key", key),
				zap.String("task", l.handle),
				zap.Stringer("outcome", res.Outcome),
				zap.Int("polls", polls),
			)
			if c.handler != nil {
				c.handler(l.ctx, res)
			}
			c.release(key, l)
			return
		}

		select {
		case <-l.ctx.Done():
			return
		case <-c.clock.After(c.cfg.Interval):
		}
	}
}

// evaluate decides whether the latest observation ends the loop.
func (c *Controller) evaluate(key models.TaskKey, l *loop, resp *apiclient.TaskResponse, err error, polls int) (Result, bool) {
	now := c.clock.Now()
	res := Result{
		Key:       key,
		Handle:    l.handle,
		StartedAt: l.startedAt,
		EndedAt:   now,
		Polls:     polls,
	}

	if err != nil {
		c.logger.Warn("poll error", zap.Stringer("key", key), zap.String("task", l.handle), zap.Error(err))
	} else {
		switch models.TaskStatus(resp.Status) {
		case models.TaskStatusCompleted:
			res.Outcome = OutcomeCompleted
			res.Content = resp.Content
			return res, true
		case models.TaskStatusFailed:
			res.Outcome = OutcomeFailed
			res.Message = resp.Error
			res.Refunded = resp.Refunded
			return res, true
		}
	}

	if now.Sub(l.startedAt) > c.cfg.Timeout {
		res.Outcome = OutcomeTimedOut
		return res, true
	}
	return res, false
}

// claim marks l as finishing if it still owns key.
func (c *Controller) claim(key models.TaskKey, l *loop) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loops[key] != l || l.ctx.Err() != nil {
		return false
	}
	l.finishing = true
	return true
}

func (c *Controller) release(key models.TaskKey, l *loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loops[key] == l {
		delete(c.loops, key)
		c.metrics.SetActivePolls(len(c.loops))
	}
}
