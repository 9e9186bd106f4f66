// Package unlock coordinates purchases of theme content: submission, task
// persistence, polling and cache updates.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/audit"
	"github.com/fentz26/baziunlock/internal/clock"
	"github.com/fentz26/baziunlock/internal/metrics"
	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/poller"
)

// API submits unlocks and reports task state.
type API interface {
	Unlock(ctx context.Context, subjectID, theme string) (*apiclient.UnlockResponse, error)
	GetTask(ctx context.Context, taskID string) (*apiclient.TaskResponse, error)
}

// StatusCache is the display state updated while unlocks run.
type StatusCache interface {
	SetLoading(subjectID string, theme models.Theme, loading bool)
	ApplyUnlockResult(subjectID string, theme models.Theme, content string)
	Refresh(ctx context.Context, subjectID string) (map[models.Theme]models.ThemeStatusEntry, error)
}

// TaskStore persists in-flight tasks across restarts.
type TaskStore interface {
	LoadAll() map[models.TaskKey]models.UnlockTask
	Save(key models.TaskKey, task models.UnlockTask)
	Remove(key models.TaskKey)
}

// Config holds polling parameters.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DefaultConfig returns the default polling parameters.
func DefaultConfig() Config {
	return Config{PollInterval: poller.DefaultInterval, PollTimeout: poller.DefaultTimeout}
}

type entry struct {
	task   models.UnlockTask
	ticket *Ticket
}

// Orchestrator is the unlock façade.
type Orchestrator struct {
	api     API
	cache   StatusCache
	tasks   TaskStore
	poller  *poller.Controller
	clock   clock.Clock
	pdr     *audit.PDRWriter
	metrics *metrics.Collector
	logger  *zap.Logger
	events  *broadcaster

	mu      sync.Mutex
	entries map[models.TaskKey]*entry
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock for task timing and polling.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAudit records unlock decisions.
func WithAudit(w *audit.PDRWriter) Option {
	return func(o *Orchestrator) { o.pdr = w }
}

// New creates an orchestrator.
func New(api API, cache StatusCache, tasks TaskStore, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:     api,
		cache:   cache,
		tasks:   tasks,
		clock:   clock.Real{},
		logger:  zap.NewNop(),
		events:  newBroadcaster(),
		entries: make(map[models.TaskKey]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("unlock")
	o.poller = poller.New(api, o.handleResult,
		poller.Config{Interval: cfg.PollInterval, Timeout: cfg.PollTimeout},
		poller.WithClock(o.clock),
		poller.WithLogger(o.logger),
		poller.WithMetrics(o.metrics),
	)
	return o
}

// Subscribe returns a channel of orchestrator events and a function ending
// the subscription. Events are dropped for subscribers whose buffer is full.
func (o *Orchestrator) Subscribe(buf int) (<-chan Event, func()) {
	return o.events.subscribe(buf)
}

// Unlock purchases theme for subjectID. If an unlock for the pair is already
// in progress, its ticket is returned without contacting the server. A task
// recorded as running by an earlier process is adopted and polled instead of
// being submitted again. A rejected submission returns the API error and no
// ticket.
func (o *Orchestrator) Unlock(ctx context.Context, subjectID string, theme models.Theme) (*Ticket, error) {
	if subjectID == "" {
		return nil, ErrNoSubject
	}
	if !models.ValidTheme(string(theme)) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTheme, theme)
	}
	key := models.NewTaskKey(subjectID, theme)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := o.entries[key]; ok {
		o.mu.Unlock()
		o.logger.Info("unlock already in progress", zap.Stringer("key", key))
		return e.ticket, nil
	}
	if t, ok := o.tasks.LoadAll()[key]; ok && t.Status.IsActive() && t.TaskHandle != "" {
		e, _ := o.adoptLocked(key, t)
		o.mu.Unlock()
		o.record(audit.ActionResume, key, "success", "task "+t.TaskHandle)
		o.logger.Info("adopted recorded unlock", zap.Stringer("key", key), zap.String("task", t.TaskHandle))
		return e.ticket, nil
	}
	e := &entry{
		task: models.UnlockTask{
			Status:    models.TaskStatusPending,
			SubjectID: subjectID,
			Theme:     theme,
			StartedAt: o.clock.Now(),
		},
		ticket: newTicket(key),
	}
	o.entries[key] = e
	o.mu.Unlock()

	o.cache.SetLoading(subjectID, theme, true)

	resp, err := o.api.Unlock(ctx, subjectID, string(theme))
	if err == nil && !resp.AlreadyUnlocked && resp.TaskID == "" {
		err = ErrInvalidResponse
	}
	if err != nil {
		o.cache.SetLoading(subjectID, theme, false)
		o.release(key, e)
		e.ticket.resolve(Result{}, err)

		code := ""
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		o.metrics.RecordSubmitError(code)
		o.record(audit.ActionSubmit, key, "error", err.Error())
		o.logger.Warn("unlock submission failed", zap.Stringer("key", key), zap.Error(err))
		return nil, err
	}

	if resp.RemainingBalance != nil {
		o.publish(Event{Kind: EventBalanceChanged, Key: key, Balance: *resp.RemainingBalance})
	}

	if resp.AlreadyUnlocked {
		o.cache.ApplyUnlockResult(subjectID, theme, resp.Content)
		current := o.release(key, e)
		o.metrics.RecordAlreadyUnlocked()
		o.record(audit.ActionAlreadyUnlocked, key, "success", "")

		res := Result{Key: key, Content: resp.Content, AlreadyUnlocked: true}
		if e.ticket.resolve(res, nil) && current {
			o.publish(Event{Kind: EventSucceeded, Key: key, Content: resp.Content, AlreadyUnlocked: true})
		}
		return e.ticket, nil
	}

	task := models.UnlockTask{
		TaskHandle: resp.TaskID,
		Status:     models.TaskStatusProcessing,
		SubjectID:  subjectID,
		Theme:      theme,
		StartedAt:  o.clock.Now(),
	}

	o.mu.Lock()
	o.tasks.Save(key, task)
	if o.closed || o.entries[key] != e {
		// Cancelled while the submission was in flight. The server task is
		// charged, so it stays recorded for resume.
		o.mu.Unlock()
		o.metrics.RecordSubmitted()
		o.record(audit.ActionSubmit, key, "success", "task "+resp.TaskID+" recorded after cancel")
		o.logger.Info("unlock cancelled during submission, task recorded for resume",
			zap.Stringer("key", key), zap.String("task", resp.TaskID))
		return e.ticket, nil
	}
	e.task = task
	o.poller.Start(key, task.TaskHandle, task.StartedAt)
	o.mu.Unlock()

	o.metrics.RecordSubmitted()
	o.record(audit.ActionSubmit, key, "success", "task "+resp.TaskID)
	o.logger.Info("unlock submitted", zap.Stringer("key", key), zap.String("task", resp.TaskID))
	return e.ticket, nil
}

// ResumeOnStartup restarts polling for persisted tasks that are still
// running server-side. It never resubmits. Terminal or handle-less records
// are discarded. Pairs with a submission in flight are left to it. It
// returns the number of tasks resumed.
func (o *Orchestrator) ResumeOnStartup(ctx context.Context) int {
	persisted := o.tasks.LoadAll()

	keys := make([]models.TaskKey, 0, len(persisted))
	for key := range persisted {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	resumed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		task := persisted[key]
		if !task.Status.IsActive() || task.TaskHandle == "" {
			o.tasks.Remove(key)
			continue
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			break
		}
		if o.poller.Active(key) {
			o.mu.Unlock()
			continue
		}
		if e, ok := o.entries[key]; ok && e.task.TaskHandle == "" {
			o.mu.Unlock()
			continue
		}
		_, started := o.adoptLocked(key, task)
		o.mu.Unlock()

		if started {
			resumed++
			o.record(audit.ActionResume, key, "success", "task "+task.TaskHandle)
			o.logger.Info("resumed unlock", zap.Stringer("key", key), zap.String("task", task.TaskHandle))
		}
	}
	return resumed
}

// Ticket returns the ticket of an unlock in progress.
func (o *Orchestrator) Ticket(subjectID string, theme models.Theme) (*Ticket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[models.NewTaskKey(subjectID, theme)]
	if !ok {
		return nil, false
	}
	return e.ticket, true
}

// IsUnlocking reports whether an unlock for the pair is in progress here or
// recorded as running in persistence.
func (o *Orchestrator) IsUnlocking(subjectID string, theme models.Theme) bool {
	return o.Status(subjectID, theme).IsActive()
}

// Status returns the task status for the pair, or "" when idle.
func (o *Orchestrator) Status(subjectID string, theme models.Theme) models.TaskStatus {
	key := models.NewTaskKey(subjectID, theme)

	o.mu.Lock()
	e, ok := o.entries[key]
	var status models.TaskStatus
	if ok {
		status = e.task.Status
	}
	o.mu.Unlock()
	if ok {
		return status
	}
	if o.poller.Active(key) {
		return models.TaskStatusProcessing
	}
	if t, ok := o.tasks.LoadAll()[key]; ok && t.Status.IsActive() {
		return t.Status
	}
	return ""
}

// Tasks lists unlocks in progress, in memory or persisted, ordered by key.
func (o *Orchestrator) Tasks() []models.UnlockTask {
	byKey := o.tasks.LoadAll()

	o.mu.Lock()
	for key, e := range o.entries {
		byKey[key] = e.task
	}
	o.mu.Unlock()

	out := make([]models.UnlockTask, 0, len(byKey))
	for _, t := range byKey {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// StopPolling stops the poll loop for the pair. With clearPersistence the
// task is forgotten: its record is dropped, loading clears and the ticket
// resolves as cancelled. Without it the task stays recorded and can be
// resumed. A submission still in flight is cancelled too, but if the server
// accepts it the new task is recorded so resume can follow the charge.
func (o *Orchestrator) StopPolling(subjectID string, theme models.Theme, clearPersistence bool) {
	key := models.NewTaskKey(subjectID, theme)

	o.mu.Lock()
	o.poller.Stop(key)
	var e *entry
	if clearPersistence {
		e = o.entries[key]
		delete(o.entries, key)
		o.tasks.Remove(key)
	}
	o.mu.Unlock()

	if !clearPersistence {
		return
	}
	o.cache.SetLoading(subjectID, theme, false)
	if e != nil {
		e.ticket.resolve(Result{}, &UnlockError{Code: CodeCancelled, Message: defaultCancelMessage, Key: key})
	}
}

// Teardown stops every poll loop, waits for them to exit and resolves the
// remaining tickets as cancelled. A loop that already saw its task finish
// settles its ticket normally. Persisted tasks are kept for the next start.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.poller.StopAll()

	o.mu.Lock()
	open := o.entries
	o.entries = make(map[models.TaskKey]*entry)
	o.mu.Unlock()

	for key, e := range open {
		e.ticket.resolve(Result{}, &UnlockError{Code: CodeCancelled, Message: defaultCancelMessage, Key: key})
	}
}

// handleResult applies a terminal poll result.
func (o *Orchestrator) handleResult(ctx context.Context, r poller.Result) {
	key := r.Key

	o.mu.Lock()
	e := o.entries[key]
	o.mu.Unlock()

	switch r.Outcome {
	case poller.OutcomeCompleted:
		// Reload before clearing loading so the theme never shows as locked.
		if _, err := o.cache.Refresh(ctx, key.SubjectID); err != nil {
			o.logger.Warn("refresh after unlock failed", zap.Stringer("key", key), zap.Error(err))
		}
		o.cache.ApplyUnlockResult(key.SubjectID, key.Theme, r.Content)
		o.tasks.Remove(key)
		current := o.finish(key, e)

		o.metrics.RecordCompleted(r.Elapsed().Seconds())
		o.record(audit.ActionComplete, key, "success", "task "+r.Handle)

		if current && e.ticket.resolve(Result{Key: key, Content: r.Content}, nil) {
			o.publish(Event{Kind: EventSucceeded, Key: key, Content: r.Content})
		}

	case poller.OutcomeFailed:
		o.tasks.Remove(key)
		current := o.finish(key, e)
		o.cache.SetLoading(key.SubjectID, key.Theme, false)

		msg := r.Message
		if msg == "" {
			msg = defaultFailedMessage
		}
		uerr := &UnlockError{Code: CodeTaskFailed, Message: msg, Key: key, Refunded: r.Refunded}
		o.metrics.RecordFailed(r.Elapsed().Seconds())
		o.record(audit.ActionFailed, key, "error", msg)

		if current && e.ticket.resolve(Result{Key: key}, uerr) {
			o.publish(Event{Kind: EventFailed, Key: key, Err: uerr})
		}

	case poller.OutcomeTimedOut:
		o.tasks.Remove(key)
		current := o.finish(key, e)
		o.cache.SetLoading(key.SubjectID, key.Theme, false)

		uerr := &UnlockError{Code: CodePollTimeout, Message: defaultTimeoutMessage, Key: key}
		o.metrics.RecordTimedOut()
		o.record(audit.ActionTimeout, key, "error", fmt.Sprintf("gave up after %d polls", r.Polls))

		if current && e.ticket.resolve(Result{Key: key}, uerr) {
			o.publish(Event{Kind: EventFailed, Key: key, Err: uerr})
		}
	}
}

// adoptLocked takes over a recorded task: it registers an entry for key,
// marks the theme loading and starts polling the task. It reports whether a
// new poll loop was started. o.mu must be held.
func (o *Orchestrator) adoptLocked(key models.TaskKey, task models.UnlockTask) (*entry, bool) {
	e, ok := o.entries[key]
	if !ok {
		e = &entry{ticket: newTicket(key)}
		o.entries[key] = e
	}
	e.task = task
	o.cache.SetLoading(key.SubjectID, key.Theme, true)
	started := o.poller.Start(key, task.TaskHandle, task.StartedAt)
	return e, started
}

// release drops e if it still owns key and reports whether it did.
func (o *Orchestrator) release(key models.TaskKey, e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.entries[key] != e {
		return false
	}
	delete(o.entries, key)
	return true
}

// finish is release for a terminal poll result.
func (o *Orchestrator) finish(key models.TaskKey, e *entry) bool {
	if e == nil {
		return false
	}
	return o.release(key, e)
}

func (o *Orchestrator) publish(ev Event) {
	if dropped := o.events.publish(ev); dropped > 0 {
		o.logger.Warn("event dropped for slow subscribers",
			zap.Stringer("kind", ev.Kind), zap.Stringer("key", ev.Key), zap.Int("dropped", dropped))
	}
}

func (o *Orchestrator) record(action string, key models.TaskKey, outcome, details string) {
	inputs := map[string]string{"subject_id": key.SubjectID, "theme": string(key.Theme)}
	if _, err := o.pdr.Record(action, inputs, outcome, key, details); err != nil {
		o.logger.Warn("failed to write audit record", zap.String("action", action), zap.Stringer("key", key), zap.Error(err))
	}
}
