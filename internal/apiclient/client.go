// Package apiclient is the HTTP client for the fortune API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the API root used when none is configured.
const DefaultBaseURL = "http://localhost:3000/api"

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client talks to the fortune API with a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the initial bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit caps outbound requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultClientTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("apiclient")
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken replaces the bearer token. An empty token sends no Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UnlockRequest submits a purchase of one theme.
type UnlockRequest struct {
	SubjectID string `json:"subjectId"`
	Theme     string `json:"theme"`
}

// UnlockResponse is the reply to an unlock submission. Either AlreadyUnlocked
// is set with Content, or TaskID names the generation task to poll.
type UnlockResponse struct {
	AlreadyUnlocked  bool   `json:"alreadyUnlocked"`
	Content          string `json:"content,omitempty"`
	TaskID           string `json:"taskId,omitempty"`
	RemainingBalance *int   `json:"remainingBalance,omitempty"`
}

// TaskResponse is the server-side state of a generation task.
type TaskResponse struct {
	Status   string `json:"status"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Refunded *bool  `json:"refunded,omitempty"`
}

// ThemeUnlockState is one entry of the status endpoint.
type ThemeUnlockState struct {
	Theme      string `json:"theme"`
	IsUnlocked bool   `json:"isUnlocked"`
}

// StatusResponse lists unlock state per theme for a subject.
type StatusResponse struct {
	Status []ThemeUnlockState `json:"status"`
}

// BatchRequest asks for the content of several themes.
type BatchRequest struct {
	SubjectID string   `json:"subjectId"`
	Themes    []string `json:"themes"`
}

// BatchTheme is one theme's content from the batch endpoint.
type BatchTheme struct {
	Theme      string `json:"theme"`
	IsUnlocked bool   `json:"isUnlocked"`
	Content    string `json:"content,omitempty"`
}

// BatchResponse is the reply of the batch endpoint.
type BatchResponse struct {
	Themes []BatchTheme `json:"themes"`
}

// ThemePrice is one row of the pricing table.
type ThemePrice struct {
	Theme         string `json:"theme"`
	Price         int    `json:"price"`
	OriginalPrice int    `json:"originalPrice"`
}

// PricingResponse is the pricing table.
type PricingResponse struct {
	Pricing []ThemePrice `json:"pricing"`
}

// LoginRequest is a password login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued bearer token.
type LoginResponse struct {
	Token string `json:"token"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Balance  int    `json:"balance"`
}

// PointsResponse is the account balance.
type PointsResponse struct {
	Balance int `json:"balance"`
}

// Unlock submits an unlock for subjectID/theme.
func (c *Client) Unlock(ctx context.Context, subjectID, theme string) (*UnlockResponse, error) {
	var resp UnlockResponse
	if err := c.post(ctx, "/themes/unlock", UnlockRequest{SubjectID: subjectID, Theme: theme}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask queries a generation task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskResponse, error) {
	var resp TaskResponse
	if err := c.get(ctx, "/tasks/"+url.PathEscape(taskID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ThemeStatus lists which themes of a subject are unlocked.
func (c *Client) ThemeStatus(ctx context.Context, subjectID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/themes/status/"+url.PathEscape(subjectID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchThemes fetches content for several unlocked themes at once.
func (c *Client) BatchThemes(ctx context.Context, subjectID string, themes []string) (*BatchResponse, error) {
	var resp BatchResponse
	if err := c.post(ctx, "/themes/batch", BatchRequest{SubjectID: subjectID, Themes: themes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pricing fetches the theme pricing table.
func (c *Client) Pricing(ctx context.Context) (*PricingResponse, error) {
	var resp PricingResponse
	if err := c.get(ctx, "/themes/pricing", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges credentials for a token and installs it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp LoginResponse
	if err := c.post(ctx, "/auth/login/password", LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &APIError{Status: http.StatusOK, Code: CodeRequestFailed, Message: "login response carried no token"}
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp User
	if err := c.get(ctx, "/auth/me", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Points returns the account balance.
func (c *Client) Points(ctx context.Context) (int, error) {
	var resp PointsResponse
	if err := c.get(ctx, "/points", &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// do performs one request. Transport failures become NETWORK_ERROR unless
// the context was cancelled, in which case the context error is returned.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return &APIError{Status: 0, Code: CodeNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &APIError{Status: resp.StatusCode, Code: CodeNetworkError, Message: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		payload.Message = strings.TrimSpace(string(data))
	}

	apiErr := &APIError{Status: status, Code: payload.Code, Message: payload.Message}
	if apiErr.Message == "" {
		apiErr.Message = payload.Error
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	if apiErr.Code == "" && status == http.StatusUnauthorized {
		apiErr.Code = CodeUnauthorized
	}
	return apiErr
}

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
