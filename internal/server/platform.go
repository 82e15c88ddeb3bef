package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin verifies credentials (and the second factor when enrolled),
// mints a session and sets the cookie pair.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, gateway.Errf(gateway.ErrValidation, "malformed login body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, r, gateway.Errf(gateway.ErrValidation, "username and password are required"))
		return
	}

	sess, _, err := s.deps.Login.Authenticate(r.Context(), req.Username, req.Password, req.MFACode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Cookies.SetSession(w, sess)
	s.audit(r, "login", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		CSRFToken: sess.CSRF,
		ExpiresAt: sess.ExpiresAt,
	})
}

// handleLogout revokes the presented token and clears the cookie pair.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	s.deps.Login.Logout(r.Context(), id)
	s.deps.Cookies.ClearSession(w)
	if id != nil {
		s.audit(r, "logout", id.Username)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMFASetup starts TOTP enrollment for the caller.
func (s *server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	setup, err := s.deps.MFA.BeginSetup(r.Context(), id.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "mfa_setup", id.Username)
	writeJSON(w, http.StatusOK, setup)
}

// handleMFAEnable confirms the pending enrollment with a valid code.
func (s *server) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.writeError(w, r, gateway.Errf(gateway.ErrValidation, "confirmation code is required"))
		return
	}
	if err := s.deps.MFA.ConfirmSetup(r.Context(), id.Username, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.audit(r, "mfa_enable", id.Username)
	w.WriteHeader(http.StatusNoContent)
}

// handleCreditBalance returns the caller's balances across credit groups.
// Only the user themselves or a caller with the credits capability may look.
func (s *server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	username := chi.URLParam(r, "username")
	if username != id.Username && !id.IsSuperAdmin() && !id.Can("manage_credits") {
		s.writeError(w, r, gateway.ErrUserForbidden)
		return
	}
	if err := s.deps.Registry.GuardWrite(username); err != nil && !id.IsSuperAdmin() {
		s.writeError(w, r, err)
		return
	}

	docs, err := s.deps.Registry.Store().Find(r.Context(), store.CollUserTokens,
		store.Filter{"username": username}, nil)
	if err != nil {
		s.writeError(w, r, gateway.Wrap(gateway.ErrInternal, err))
		return
	}
	balances := make([]gateway.UserCredit, 0, len(docs))
	for _, doc := range docs {
		var uc gateway.UserCredit
		if err := store.Decode(doc, &uc); err != nil {
			continue
		}
		// The per-user key override never leaves the gateway.
		uc.UserAPIKey = ""
		balances = append(balances, uc)
	}
	writeJSON(w, http.StatusOK, balances)
}

// audit emits a structured event for modification-class platform actions.
// Secrets never appear here; the correlation id ties events to request logs.
func (s *server) audit(r *http.Request, action, subject string) {
	slog.LogAttrs(r.Context(), slog.LevelInfo, "audit",
		slog.String("action", action),
		slog.String("subject", subject),
		slog.String("client_ip", gateway.ClientIPFromContext(r.Context())),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
}
