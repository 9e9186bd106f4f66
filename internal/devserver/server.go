package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/models"
)

// Version is reported by the health endpoint.
const Version = "dev"

// Server exposes Service over HTTP under the /api prefix.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger.Named("devserver"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login/password", s.login)
	mux.HandleFunc("GET /api/auth/me", s.authed(s.me))
	mux.HandleFunc("GET /api/points", s.authed(s.points))

	mux.HandleFunc("POST /api/themes/unlock", s.authed(s.unlock))
	mux.HandleFunc("GET /api/themes/status/{subjectId}", s.authed(s.status))
	mux.HandleFunc("POST /api/themes/batch", s.authed(s.batch))
	mux.HandleFunc("GET /api/themes/pricing", s.pricing)
	mux.HandleFunc("GET /api/tasks/{taskId}", s.authed(s.task))

	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("development API listening", zap.String("addr", ln.Addr().String()))
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Version: Version, Time: time.Now().UTC().Format(time.RFC3339)})
}

type userHandler func(w http.ResponseWriter, r *http.Request, user string)

// authed resolves the bearer token before calling next.
func (s *Server) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, err := s.service.Authenticate(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, user)
	}
}

// --- Auth Handlers ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req apiclient.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "", "invalid json")
		return
	}
	token, err := s.service.Login(req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiclient.LoginResponse{Token: token})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request, user string) {
	me, err := s.service.Me(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *Server) points(w http.ResponseWriter, r *http.Request, user string) {
	balance, err := s.service.Balance(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiclient.PointsResponse{Balance: balance})
}

// --- Theme Handlers ---

func (s *Server) unlock(w http.ResponseWriter, r *http.Request, user string) {
	var req apiclient.UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "", "invalid json")
		return
	}
	resp, err := s.service.Unlock(user, req.SubjectID, models.Theme(req.Theme))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, user string) {
	states, err := s.service.Status(user, r.PathValue("subjectId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiclient.StatusResponse{Status: states})
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request, user string) {
	var req apiclient.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "", "invalid json")
		return
	}
	themes, err := s.service.Batch(user, req.SubjectID, req.Themes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiclient.BatchResponse{Themes: themes})
}

func (s *Server) pricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiclient.PricingResponse{Pricing: s.service.Pricing()})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request, user string) {
	resp, err := s.service.Task(user, r.PathValue("taskId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps service errors to the API error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		writeMessage(w, http.StatusUnauthorized, apiclient.CodeUnauthorized, err.Error())
	case errors.Is(err, ErrInsufficientPoints):
		writeMessage(w, http.StatusPaymentRequired, apiclient.CodeInsufficientPoints, err.Error())
	case errors.Is(err, ErrUnknownTheme), errors.Is(err, ErrSubjectRequired):
		writeMessage(w, http.StatusBadRequest, "", err.Error())
	case errors.Is(err, ErrTaskNotFound):
		writeMessage(w, http.StatusNotFound, "", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "", err.Error())
	}
}

func writeMessage(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{"message": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
