package httpapi

import (
	"errors"
	"net/http"

	"github.com/alexlistens/voicechat/internal/identity"
	"github.com/alexlistens/voicechat/internal/store"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

type userView struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		respondError(w, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return
	}
	var req identity.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, token, err := s.identity.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			respondError(w, http.StatusConflict, "email_taken", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "signup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, authResponse{Token: token, User: viewOf(u)})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		respondError(w, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, token, err := s.identity.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		// Credential failures and unknown accounts look the same on the
		// wire, matching the auth service.
		respondError(w, http.StatusUnauthorized, "invalid_credentials", identity.ErrInvalidCredentials.Error())
		return
	}
	respondJSON(w, http.StatusOK, authResponse{Token: token, User: viewOf(u)})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		respondError(w, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return
	}
	s.identity.SignOut()
	respondJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := s.userFromRequest(w, r)
	if u == nil {
		return
	}
	respondJSON(w, http.StatusOK, viewOf(u))
}

func viewOf(u *store.User) userView {
	return userView{
		UID:       u.UID,
		Email:     u.Email,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
