// Package api provides the HTTP surface of the gateway: the directive endpoint, the
// device websocket, the device portal API and health checks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voicelink/voicelink/gateway/internal/auth"
	"github.com/voicelink/voicelink/gateway/internal/config"
	"github.com/voicelink/voicelink/gateway/internal/correlator"
	"github.com/voicelink/voicelink/gateway/internal/directive"
	"github.com/voicelink/voicelink/gateway/internal/identity"
	"github.com/voicelink/voicelink/gateway/internal/store"
	"github.com/voicelink/voicelink/pkg/protocol"
)

// IngressHeader carries the assertion signed by the ingress adapter.
const IngressHeader = "X-Alexa-JWT"

// Router handles decoded directives.
type Router interface {
	Route(ctx context.Context, accountID string, req *protocol.DirectiveRequest) (json.RawMessage, error)
}

// DeviceHub accepts device sockets and reports live devices.
type DeviceHub interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	Devices(accountID string) []string
}

// Accounts is the part of the credential store the API reads and writes.
type Accounts interface {
	GetAccount(ctx context.Context, clientID string) (*store.Account, error)
	UpsertAccount(ctx context.Context, acct *store.Account) (*store.Account, error)
	Ping(ctx context.Context) error
}

// ProfileResolver resolves an upstream access token to a user.
type ProfileResolver interface {
	Profile(ctx context.Context, accessToken string) (*identity.Profile, error)
}

// Server is the HTTP API server.
type Server struct {
	accounts     Accounts
	ingress      auth.IngressVerifier
	sessions     *auth.Sessions
	profiles     ProfileResolver
	router       Router
	hub          DeviceHub
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(accounts Accounts, ingress auth.IngressVerifier, sessions *auth.Sessions, profiles ProfileResolver,
	rt Router, hub DeviceHub, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		accounts:     accounts,
		ingress:      ingress,
		sessions:     sessions,
		profiles:     profiles,
		router:       rt,
		hub:          hub,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Directives from the ingress adapter (assertion checked inside). /lambda is the
	// path older adapters post to.
	mux.Post("/directive", srv.handleDirective)
	mux.Post("/lambda", srv.handleDirective)

	// Device sockets (credentials checked before upgrade).
	mux.Get("/ws", hub.HandleWS)

	srv.loginRL = newRateLimiter(5, 10)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/login", srv.handleLogin)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.sessionMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/profile", srv.handleProfile)
		r.Get("/api/devices", srv.handleDevices)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Directive handler ---

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	assertion := r.Header.Get(IngressHeader)
	if assertion == "" {
		writeError(w, http.StatusUnauthorized, "missing "+IngressHeader+" header")
		return
	}
	user, err := s.ingress.VerifyIngress(r.Context(), assertion)
	if err != nil {
		s.logger.Warn("ingress assertion rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid assertion")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var in protocol.InboundDirective
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := in.Unwrap()
	if req == nil {
		writeError(w, http.StatusBadRequest, "missing directive")
		return
	}

	body, err := s.router.Route(r.Context(), user.UserID, req)
	if err != nil {
		s.writeRouteError(w, r, req, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, req *protocol.DirectiveRequest, err error) {
	logger := s.logger.With("namespace", req.Directive.Header.Namespace, "name", req.Directive.Header.Name)
	switch {
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		logger.Debug("caller went away", "error", err)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, directive.ErrMalformedDirective):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directive.ErrUpstream):
		logger.Error("authorization grant failed", "error", err)
		writeError(w, http.StatusBadGateway, "identity provider failed")
	case errors.Is(err, correlator.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "device did not respond")
	default:
		logger.Error("directive failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Portal handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}

	profile, err := s.profiles.Profile(r.Context(), req.AccessToken)
	if err != nil {
		s.logger.Warn("profile lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "identity provider failed")
		return
	}

	acct, err := s.accounts.GetAccount(r.Context(), profile.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acct == nil {
		token, err := auth.GenerateAccessToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create account")
			return
		}
		if _, err := s.accounts.UpsertAccount(r.Context(), &store.Account{
			ClientID:    profile.UserID,
			AccessToken: token,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create account")
			return
		}
		s.logger.Info("account created", "account_id", profile.UserID)
	}

	session, err := s.sessions.Issue(auth.User{UserID: profile.UserID, Name: profile.Name, Email: profile.Email})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": session,
		"expires_in":   int(s.sessions.Expiry().Seconds()),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	acct, err := s.accounts.GetAccount(r.Context(), user.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clientId":    acct.ClientID,
		"accessToken": acct.AccessToken,
		"skillLinked": acct.Linked(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	devices := s.hub.Devices(user.UserID)
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
