// Package audit provides PDR (Process Decision Record) writing for unlock decisions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/store"
)

// Actions recorded by the unlock orchestrator.
const (
	ActionSubmit          = "unlock.submit"
	ActionAlreadyUnlocked = "unlock.already_unlocked"
	ActionComplete        = "unlock.complete"
	ActionFailed          = "unlock.failed"
	ActionTimeout         = "unlock.timeout"
	ActionResume          = "unlock.resume"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store *store.Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for an unlock decision. A nil writer records nothing.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome string, key models.TaskKey, details string) (*models.PDREntry, error) {
	if w == nil || w.store == nil {
		return nil, nil
	}
	return w.store.WritePDR(action, hashInputs(inputs), outcome, key.String(), details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
