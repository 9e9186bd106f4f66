// Package devserver simulates the fortune API for local development and
// end-to-end tests. All state is in memory.
package devserver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/models"
)

// Config controls the simulated backend.
type Config struct {
	// Users maps usernames to passwords.
	Users           map[string]string
	StartingBalance int
	Price           int
	OriginalPrice   int
	// PollsToComplete is how many task queries report "processing"
	// before the task reaches a terminal state.
	PollsToComplete int
	// FailThemes fail instead of completing. Points are refunded.
	FailThemes map[models.Theme]bool
}

// DefaultConfig returns a backend with a single demo account.
func DefaultConfig() Config {
	return Config{
		Users:           map[string]string{"demo": "demo"},
		StartingBalance: 500,
		Price:           50,
		OriginalPrice:   100,
		PollsToComplete: 2,
	}
}

type account struct {
	id       string
	username string
	balance  int
	// unlocked content by subject, then theme
	unlocked map[string]map[models.Theme]string
}

type task struct {
	id      string
	owner   string
	subject string
	theme   models.Theme
	price   int
	polls   int
	status  models.TaskStatus
	content string
	errMsg  string
}

// Service holds simulated accounts, unlock records and tasks.
type Service struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*account // by username
	tokens   map[string]*account
	tasks    map[string]*task
}

// NewService creates a backend from cfg. A nil logger discards output.
func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger.Named("devserver"),
		accounts: make(map[string]*account),
		tokens:   make(map[string]*account),
		tasks:    make(map[string]*task),
	}
	for name := range cfg.Users {
		s.accounts[name] = &account{
			id:       uuid.New().String(),
			username: name,
			balance:  cfg.StartingBalance,
			unlocked: make(map[string]map[models.Theme]string),
		}
	}
	return s
}

// --- Auth ---

// Login issues a bearer token.
func (s *Service) Login(username, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want, ok := s.cfg.Users[username]
	if !ok || want != password {
		return "", ErrInvalidCredentials
	}
	token := uuid.New().String()
	s.tokens[token] = s.accounts[username]
	s.logger.Info("login", zap.String("username", username))
	return token, nil
}

// Authenticate resolves a token to its user ID.
func (s *Service) Authenticate(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.tokens[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return acct.username, nil
}

// Me returns the account behind user.
func (s *Service) Me(user string) (*apiclient.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[user]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &apiclient.User{ID: acct.id, Username: acct.username, Balance: acct.balance}, nil
}

// Balance returns user's points.
func (s *Service) Balance(user string) (int, error) {
	me, err := s.Me(user)
	if err != nil {
		return 0, err
	}
	return me.Balance, nil
}

// Grant adds points to user.
func (s *Service) Grant(user string, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[user]
	if !ok {
		return ErrUnauthorized
	}
	acct.balance += points
	return nil
}

// --- Themes ---

// Pricing returns the price table.
func (s *Service) Pricing() []apiclient.ThemePrice {
	out := make([]apiclient.ThemePrice, 0, len(models.AllThemes))
	for _, t := range models.AllThemes {
		out = append(out, apiclient.ThemePrice{Theme: string(t), Price: s.cfg.Price, OriginalPrice: s.cfg.OriginalPrice})
	}
	return out
}

// Status reports which themes user has unlocked for subject.
func (s *Service) Status(user, subject string) ([]apiclient.ThemeUnlockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[user]
	if !ok {
		return nil, ErrUnauthorized
	}
	out := make([]apiclient.ThemeUnlockState, 0, len(models.AllThemes))
	for _, t := range models.AllThemes {
		_, unlocked := acct.unlocked[subject][t]
		out = append(out, apiclient.ThemeUnlockState{Theme: string(t), IsUnlocked: unlocked})
	}
	return out, nil
}

// Batch returns content for the requested themes.
func (s *Service) Batch(user, subject string, themes []string) ([]apiclient.BatchTheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[user]
	if !ok {
		return nil, ErrUnauthorized
	}
	out := make([]apiclient.BatchTheme, 0, len(themes))
	for _, name := range themes {
		content, unlocked := acct.unlocked[subject][models.Theme(name)]
		out = append(out, apiclient.BatchTheme{Theme: name, IsUnlocked: unlocked, Content: content})
	}
	return out, nil
}

// Unlock charges user and starts a generation task, or returns the stored
// content if the theme is already unlocked.
func (s *Service) Unlock(user, subject string, theme models.Theme) (*apiclient.UnlockResponse, error) {
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if !models.ValidTheme(string(theme)) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTheme, theme)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[user]
	if !ok {
		return nil, ErrUnauthorized
	}
	if content, ok := acct.unlocked[subject][theme]; ok {
		return &apiclient.UnlockResponse{AlreadyUnlocked: true, Content: content}, nil
	}
	if acct.balance < s.cfg.Price {
		return nil, ErrInsufficientPoints
	}

	acct.balance -= s.cfg.Price
	t := &task{
		id:      uuid.New().String(),
		owner:   user,
		subject: subject,
		theme:   theme,
		price:   s.cfg.Price,
		status:  models.TaskStatusPending,
	}
	s.tasks[t.id] = t

	s.logger.Info("unlock task created",
		zap.String("task", t.id), zap.String("subject", subject), zap.String("theme", string(theme)))

	remaining := acct.balance
	return &apiclient.UnlockResponse{TaskID: t.id, RemainingBalance: &remaining}, nil
}

// Task advances and reports a generation task. Each query counts as one
// unit of progress.
func (s *Service) Task(user, id string) (*apiclient.TaskResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.owner != user {
		return nil, ErrTaskNotFound
	}

	if !t.status.IsTerminal() {
		t.polls++
		if t.polls <= s.cfg.PollsToComplete {
			t.status = models.TaskStatusProcessing
		} else {
			s.finishLocked(t)
		}
	}

	resp := &apiclient.TaskResponse{Status: string(t.status), Content: t.content, Error: t.errMsg}
	if t.status == models.TaskStatusFailed {
		refunded := true
		resp.Refunded = &refunded
	}
	return resp, nil
}

func (s *Service) finishLocked(t *task) {
	acct := s.accounts[t.owner]
	if s.cfg.FailThemes[t.theme] {
		t.status = models.TaskStatusFailed
		t.errMsg = "content generation failed"
		acct.balance += t.price
		s.logger.Info("unlock task failed", zap.String("task", t.id))
		return
	}

	t.status = models.TaskStatusCompleted
	t.content = generateReading(t.subject, t.theme)
	if acct.unlocked[t.subject] == nil {
		acct.unlocked[t.subject] = make(map[models.Theme]string)
	}
	acct.unlocked[t.subject][t.theme] = t.content
	s.logger.Info("unlock task completed", zap.String("task", t.id))
}

// PendingTasks lists IDs of tasks that have not finished, sorted.
func (s *Service) PendingTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.tasks {
		if !t.status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func generateReading(subject string, theme models.Theme) string {
	return fmt.Sprintf("%s reading for %s", theme.DisplayName(), subject)
}
