// Package models defines the core domain types for baziunlock.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Theme is a named unit of paid AI-generated reading content.
type Theme string

const (
	ThemeLifeColor     Theme = "life_color"
	ThemeRelationship  Theme = "relationship"
	ThemeCareerWealth  Theme = "career_wealth"
	ThemeHealth        Theme = "health"
	ThemeLifeLesson    Theme = "life_lesson"
	ThemeYearlyFortune Theme = "yearly_fortune"
)

// AllThemes lists the valid themes in display order.
var AllThemes = []Theme{
	ThemeLifeColor,
	ThemeRelationship,
	ThemeCareerWealth,
	ThemeHealth,
	ThemeLifeLesson,
	ThemeYearlyFortune,
}

var themeNames = map[Theme]string{
	ThemeLifeColor:     "Life Color",
	ThemeRelationship:  "Relationship",
	ThemeCareerWealth:  "Career & Wealth",
	ThemeHealth:        "Health",
	ThemeLifeLesson:    "Benefactors & Adversaries",
	ThemeYearlyFortune: "Yearly Fortune",
}

// ValidTheme reports whether s names a known theme.
func ValidTheme(s string) bool {
	_, ok := themeNames[Theme(s)]
	return ok
}

// DisplayName returns the human readable theme name.
func (t Theme) DisplayName() string {
	if name, ok := themeNames[t]; ok {
		return name
	}
	return string(t)
}

// TaskKey identifies an unlock by subject and theme.
type TaskKey struct {
	SubjectID string
	Theme     Theme
}

// NewTaskKey builds a key.
func NewTaskKey(subjectID string, theme Theme) TaskKey {
	return TaskKey{SubjectID: subjectID, Theme: theme}
}

// String renders the key as "{subjectId}:{theme}".
func (k TaskKey) String() string {
	return k.SubjectID + ":" + string(k.Theme)
}

// ParseTaskKey parses a "{subjectId}:{theme}" string.
// The theme is taken after the last colon so subject IDs may contain colons.
func ParseTaskKey(s string) (TaskKey, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return TaskKey{}, fmt.Errorf("malformed task key %q", s)
	}
	return TaskKey{SubjectID: s[:idx], Theme: Theme(s[idx+1:])}, nil
}

// TaskStatus represents the server-side state of an unlock task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether polling should stop at this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsActive reports whether the task is still running server-side.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

// UnlockTask represents one in-flight request to generate paid content.
type UnlockTask struct {
	TaskHandle string
	Status     TaskStatus
	SubjectID  string
	Theme      Theme
	StartedAt  time.Time
}

// Key returns the task's identity.
func (t UnlockTask) Key() TaskKey {
	return TaskKey{SubjectID: t.SubjectID, Theme: t.Theme}
}

// ThemeStatusEntry is the cached, display-facing state of one theme.
type ThemeStatusEntry struct {
	IsUnlocked    bool   `json:"isUnlocked"`
	Content       string `json:"content,omitempty"`
	IsLoading     bool   `json:"isLoading"`
	Price         int    `json:"price"`
	OriginalPrice int    `json:"originalPrice,omitempty"`
}

// PricingEntry is the externally supplied price of a theme.
type PricingEntry struct {
	Theme         Theme `json:"theme"`
	Price         int   `json:"price"`
	OriginalPrice int   `json:"originalPrice"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskKey    string    `json:"task_key,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
