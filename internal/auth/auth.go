// Package auth stores the bearer token obtained from a password login.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotLoggedIn is returned when no credentials are stored.
var ErrNotLoggedIn = errors.New("not logged in, run 'baziunlock login'")

// User represents the authenticated user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Credentials stores the complete auth credentials.
type Credentials struct {
	APIBase   string `json:"api_base"`
	Token     string `json:"token"`
	User      User   `json:"user"`
	CreatedAt int64  `json:"created_at"`
}

// Authenticator exchanges a username and password for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// Manager handles authentication operations.
type Manager struct {
	configDir   string
	credentials *Credentials
	mu          sync.RWMutex
}

// NewManager creates a manager keeping credentials in configDir.
func NewManager(configDir string) (*Manager, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	m := &Manager{configDir: configDir}

	// Try to load existing credentials
	if err := m.loadCredentials(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return m, nil
}

// IsAuthenticated reports whether a token is stored.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credentials != nil && m.credentials.Token != ""
}

// Token returns the stored token for apiBase. Credentials issued by a
// different API are ignored.
func (m *Manager) Token(apiBase string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil || m.credentials.Token == "" {
		return "", ErrNotLoggedIn
	}
	if m.credentials.APIBase != "" && m.credentials.APIBase != apiBase {
		return "", fmt.Errorf("%w at %s", ErrNotLoggedIn, apiBase)
	}
	return m.credentials.Token, nil
}

// GetUser returns the current user if authenticated.
func (m *Manager) GetUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil {
		return nil
	}
	u := m.credentials.User
	return &u
}

// Login authenticates against apiBase and stores the token.
func (m *Manager) Login(ctx context.Context, a Authenticator, apiBase, username, password string) (string, error) {
	token, err := a.Login(ctx, username, password)
	if err != nil {
		return "", err
	}
	if err := m.Save(Credentials{APIBase: apiBase, Token: token, User: User{Username: username}}); err != nil {
		return "", err
	}
	return token, nil
}

// Save replaces the stored credentials.
func (m *Manager) Save(creds Credentials) error {
	if creds.CreatedAt == 0 {
		creds.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()

	if err := m.saveCredentials(); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// SetUserID records the server-side user ID.
func (m *Manager) SetUserID(id string) error {
	m.mu.Lock()
	if m.credentials == nil {
		m.mu.Unlock()
		return ErrNotLoggedIn
	}
	m.credentials.User.ID = id
	m.mu.Unlock()
	return m.saveCredentials()
}

// Logout clears the current session.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.credentials = nil
	m.mu.Unlock()

	if err := os.Remove(m.credentialsPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// credentialsPath returns the path to the credentials file.
func (m *Manager) credentialsPath() string {
	return filepath.Join(m.configDir, "credentials.json")
}

// loadCredentials loads credentials from disk.
func (m *Manager) loadCredentials() error {
	data, err := os.ReadFile(m.credentialsPath())
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}

	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()
	return nil
}

// saveCredentials saves credentials to disk.
func (m *Manager) saveCredentials() error {
	m.mu.RLock()
	creds := m.credentials
	m.mu.RUnlock()

	if creds == nil {
		return nil
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.credentialsPath(), data, 0600)
}
