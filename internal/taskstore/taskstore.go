// Package taskstore persists in-flight unlock tasks in the session key-value
// store so polling can resume after a restart.
//
// All tasks live in one JSON object under StorageKey, keyed by
// "{subjectId}:{theme}". Persistence is best effort: read problems yield an
// empty set and write problems are logged, never returned.
package taskstore

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/models"
)

// StorageKey is the session key holding the task map.
const StorageKey = "async_unlock_tasks"

// KV is a string key-value store scoped to the current session.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// record is the persisted form of a task.
type record struct {
	TaskHandle string            `json:"taskHandle"`
	Status     models.TaskStatus `json:"status"`
	SubjectID  string            `json:"subjectId"`
	Theme      models.Theme      `json:"theme"`
	StartTime  int64             `json:"startTime"`
}

func toRecord(t models.UnlockTask) record {
	return record{
		TaskHandle: t.TaskHandle,
		Status:     t.Status,
		SubjectID:  t.SubjectID,
		Theme:      t.Theme,
		StartTime:  t.StartedAt.UnixMilli(),
	}
}

func (r record) task() models.UnlockTask {
	return models.UnlockTask{
		TaskHandle: r.TaskHandle,
		Status:     r.Status,
		SubjectID:  r.SubjectID,
		Theme:      r.Theme,
		StartedAt:  time.UnixMilli(r.StartTime),
	}
}

// Store reads and writes the persisted task map.
type Store struct {
	kv     KV
	logger *zap.Logger

	// mu serializes read-modify-write cycles on the single storage key.
	mu sync.Mutex
}

// New creates a task store over kv. A nil logger discards output.
func New(kv KV, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, logger: logger.Named("taskstore")}
}

// LoadAll returns every persisted task. Missing, unreadable or malformed data
// yields an empty map. Entries whose key cannot be parsed are skipped.
func (s *Store) LoadAll() map[models.TaskKey]models.UnlockTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.TaskKey]models.UnlockTask)
	for k, r := range s.readLocked() {
		key, err := models.ParseTaskKey(k)
		if err != nil {
			s.logger.Warn("skipping malformed task key", zap.String("key", k))
			continue
		}
		t := r.task()
		if t.SubjectID == "" {
			t.SubjectID = key.SubjectID
		}
		if t.Theme == "" {
			t.Theme = key.Theme
		}
		out[key] = t
	}
	return out
}

// Save inserts or replaces the record for key.
func (s *Store) Save(key models.TaskKey, task models.UnlockTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.readLocked()
	records[key.String()] = toRecord(task)
	s.writeLocked(records)
}

// Remove deletes the record for key. Removing an absent key is a no-op.
func (s *Store) Remove(key models.TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.readLocked()
	if _, ok := records[key.String()]; !ok {
		return
	}
	delete(records, key.String())
	s.writeLocked(records)
}

func (s *Store) readLocked() map[string]record {
	records := make(map[string]record)

	raw, ok, err := s.kv.Get(StorageKey)
	if err != nil {
		s.logger.Warn("failed to read persisted tasks", zap.Error(err))
		return records
	}
	if !ok || raw == "" {
		return records
	}
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.logger.Warn("discarding malformed persisted tasks", zap.Error(err))
		return make(map[string]record)
	}
	return records
}

func (s *Store) writeLocked(records map[string]record) {
	if len(records) == 0 {
		if err := s.kv.Delete(StorageKey); err != nil {
			s.logger.Warn("failed to clear persisted tasks", zap.Error(err))
		}
		return
	}

	data, err := json.Marshal(records)
	if err != nil {
		s.logger.Warn("failed to encode persisted tasks", zap.Error(err))
		return
	}
	if err := s.kv.Set(StorageKey, string(data)); err != nil {
		s.logger.Warn("failed to write persisted tasks", zap.Error(err))
	}
}
