package api

import (
	"errors"
	"net/http"
	"strings"

	goa "goa.design/goa/v3/pkg"

	"trafficcount/internal/auth"
	mw "trafficcount/internal/middleware"
)

// LoginRequest is the body of POST /api/v1/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Role      string `json:"role"`
}

// AuthStatusResponse reports whether auth is on and who is calling
type AuthStatusResponse struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
	Role          *string `json:"role,omitempty"`
	CanOperate    bool    `json:"can_operate"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body LoginRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	if body.Username == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing_field", goa.MissingFieldError("username", "body"))
		return
	}

	token, expiresAt, role, err := s.auth.Authenticate(body.Username, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("invalid username or password"))
		case errors.Is(err, auth.ErrAuthDisabled):
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("authentication is disabled"))
		default:
			s.writeError(w, r, http.StatusInternalServerError, "fault", err)
		}
		return
	}
	s.writeJSON(w, r, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt, Role: string(role)})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := AuthStatusResponse{Enabled: s.auth.IsEnabled()}
	// Everyone may operate when auth is off
	resp.CanOperate = !resp.Enabled
	claims := mw.GetUserFromContext(r.Context())
	if claims == nil && resp.Enabled {
		// Reads skip the middleware, so check an optional bearer token here
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			claims, _ = s.auth.ValidateToken(token)
		}
	}
	if claims != nil {
		role := string(claims.Role)
		resp.Authenticated = true
		resp.Username = &claims.Subject
		resp.Role = &role
		resp.CanOperate = claims.CanOperate()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}
