// Package tui provides the interactive theme screen for a subject.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/models"
	"github.com/fentz26/baziunlock/internal/unlock"
)

// Cache is the theme state the screen renders.
type Cache interface {
	Get(ctx context.Context, subjectID string) (map[models.Theme]models.ThemeStatusEntry, error)
	Peek(subjectID string) map[models.Theme]models.ThemeStatusEntry
	Watch(buf int) (<-chan string, func())
}

// Unlocker starts unlocks and reports their outcomes.
type Unlocker interface {
	Unlock(ctx context.Context, subjectID string, theme models.Theme) (*unlock.Ticket, error)
	Subscribe(buf int) (<-chan unlock.Event, func())
}

const requestTimeout = 15 * time.Second

type stateMsg struct {
	themes map[models.Theme]models.ThemeStatusEntry
	err    error
}

type changedMsg struct{}

type eventMsg struct{ ev unlock.Event }

type unlockSubmittedMsg struct {
	theme models.Theme
	err   error
}

// WatchModel shows every theme of one subject with a spinner on each
// theme being unlocked.
type WatchModel struct {
	subject  string
	cache    Cache
	unlocker Unlocker

	changes     <-chan string
	stopChanges func()
	events      <-chan unlock.Event
	stopEvents  func()

	spinner  spinner.Model
	themes   map[models.Theme]models.ThemeStatusEntry
	selected int
	balance  *int
	message  string
	isError  bool
	width    int
}

// NewWatch creates the screen for subject.
func NewWatch(subject string, cache Cache, unlocker Unlocker) *WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = loadingStyle

	changes, stopChanges := cache.Watch(16)
	events, stopEvents := unlocker.Subscribe(16)

	return &WatchModel{
		subject:     subject,
		cache:       cache,
		unlocker:    unlocker,
		changes:     changes,
		stopChanges: stopChanges,
		events:      events,
		stopEvents:  stopEvents,
		spinner:     sp,
		themes:      cache.Peek(subject),
	}
}

// Run starts the program and blocks until the user quits.
func (m *WatchModel) Run() error {
	defer m.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// Close ends the cache and event subscriptions.
func (m *WatchModel) Close() {
	m.stopChanges()
	m.stopEvents()
}

// Init implements tea.Model
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.load(),
		m.waitForChange(),
		m.waitForEvent(),
	)
}

// Update implements tea.Model
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(models.AllThemes)-1 {
				m.selected++
			}
		case "r":
			return m, m.load()
		case "enter", "u":
			theme := models.AllThemes[m.selected]
			if e := m.themes[theme]; e.IsUnlocked || e.IsLoading {
				return m, nil
			}
			m.setMessage(fmt.Sprintf("Unlocking %s...", theme.DisplayName()), false)
			return m, m.submit(theme)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stateMsg:
		if msg.err != nil {
			m.setMessage("Refresh failed: "+msg.err.Error(), true)
		}
		if msg.themes != nil {
			m.themes = msg.themes
		}

	case changedMsg:
		m.themes = m.cache.Peek(m.subject)
		return m, m.waitForChange()

	case eventMsg:
		m.applyEvent(msg.ev)
		return m, m.waitForEvent()

	case unlockSubmittedMsg:
		if msg.err != nil {
			m.setMessage(describeSubmitError(msg.theme, msg.err), true)
		}
		m.themes = m.cache.Peek(m.subject)
	}

	return m, nil
}

func (m *WatchModel) applyEvent(ev unlock.Event) {
	if ev.Key.SubjectID != m.subject {
		return
	}
	switch ev.Kind {
	case unlock.EventSucceeded:
		m.setMessage(fmt.Sprintf("✓ %s unlocked", ev.Key.Theme.DisplayName()), false)
	case unlock.EventFailed:
		msg := fmt.Sprintf("✗ %s: %s", ev.Key.Theme.DisplayName(), ev.Err.Message)
		if ev.Err.RefundConfirmed() {
			msg += " (points refunded)"
		}
		m.setMessage(msg, true)
	case unlock.EventBalanceChanged:
		b := ev.Balance
		m.balance = &b
	}
	m.themes = m.cache.Peek(m.subject)
}

func (m *WatchModel) setMessage(msg string, isError bool) {
	m.message = msg
	m.isError = isError
}

// View implements tea.Model
func (m *WatchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Bazi readings · " + m.subject))
	b.WriteString("\n\n")

	for i, theme := range models.AllThemes {
		line := fmt.Sprintf("%-26s %s", theme.DisplayName(), m.renderState(m.themes[theme]))
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString(rowStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(m.message)
		}
		b.WriteString("\n")
	}

	status := "balance: unknown"
	if m.balance != nil {
		status = fmt.Sprintf("balance: %d pts", *m.balance)
	}
	b.WriteString(statusBarStyle.Render(status))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select · enter unlock · r refresh · q quit"))
	return b.String()
}

func (m *WatchModel) renderState(e models.ThemeStatusEntry) string {
	switch {
	case e.IsLoading:
		return m.spinner.View() + loadingStyle.Render(" generating")
	case e.IsUnlocked:
		return unlockedStyle.Render("● unlocked")
	case e.Price > 0:
		price := fmt.Sprintf("○ locked · %d pts", e.Price)
		if e.OriginalPrice > e.Price {
			price += fmt.Sprintf(" (was %d)", e.OriginalPrice)
		}
		return lockedStyle.Render(price)
	default:
		return lockedStyle.Render("○ locked")
	}
}

func (m *WatchModel) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		themes, err := m.cache.Get(ctx, m.subject)
		return stateMsg{themes: themes, err: err}
	}
}

func (m *WatchModel) submit(theme models.Theme) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := m.unlocker.Unlock(ctx, m.subject, theme)
		return unlockSubmittedMsg{theme: theme, err: err}
	}
}

func (m *WatchModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		for subject := range m.changes {
			if subject == m.subject {
				return changedMsg{}
			}
		}
		return nil
	}
}

func (m *WatchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg{ev}
	}
}

func describeSubmitError(theme models.Theme, err error) string {
	switch {
	case apiclient.IsInsufficientBalance(err):
		return "Not enough points to unlock " + theme.DisplayName() + ". Top up and try again."
	case apiclient.IsNetworkError(err):
		return "Network error, check your connection and retry."
	case errors.Is(err, unlock.ErrClosed):
		return "Shutting down."
	default:
		return "Unlock failed: " + err.Error()
	}
}
