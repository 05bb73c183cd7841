// Package httpapi exposes the web surface: the marketing page, call
// provisioning, auth, and the browser relay websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/alexlistens/voicechat/internal/callsession"
	"github.com/alexlistens/voicechat/internal/config"
	"github.com/alexlistens/voicechat/internal/identity"
	"github.com/alexlistens/voicechat/internal/provision"
	"github.com/alexlistens/voicechat/internal/observability"
	"github.com/alexlistens/voicechat/internal/store"
	"github.com/alexlistens/voicechat/internal/transcript"
	"github.com/alexlistens/voicechat/internal/ultravox"
)

// CallCreator provisions calls against the hosted voice provider.
type CallCreator interface {
	CreateCall(ctx context.Context, req ultravox.CreateCallRequest) (*ultravox.CreateCallResponse, error)
}

type Server struct {
	cfg         config.Config
	store       store.Store
	identity    *identity.Service
	creator     CallCreator
	provisioner callsession.Provisioner
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
	static      http.Handler
}

func New(cfg config.Config, st store.Store, ident *identity.Service, creator CallCreator, metrics *observability.Metrics) *Server {
	// Relay calls provision through an external endpoint when one is
	// configured, otherwise directly against the provider API.
	var provisioner callsession.Provisioner
	if strings.TrimSpace(cfg.ProvisionEndpointURL) != "" {
		provisioner = provision.NewClient(cfg.ProvisionEndpointURL)
	} else {
		provisioner = &serverProvisioner{
			creator:   creator,
			agentName: cfg.AgentName,
			voice:     cfg.UltravoxVoice,
		}
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		identity:    ident,
		creator:     creator,
		provisioner: provisioner,
		metrics:     metrics,
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = "/index.html"
		s.static.ServeHTTP(w, r)
	})
	r.Handle("/static/*", http.StripPrefix("/static/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/call", s.handleCreateCall)
	r.Get("/api/call/ws", s.handleCallWS)
	r.Get("/api/calls/latest", s.handleLatestCall)

	r.Post("/api/auth/signup", s.handleSignUp)
	r.Post("/api/auth/signin", s.handleSignIn)
	r.Post("/api/auth/signout", s.handleSignOut)
	r.Get("/api/auth/me", s.handleMe)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"auth_enabled": s.identity != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type createCallRequest struct {
	FirstName          string `json:"firstName"`
	LastCallTranscript string `json:"lastCallTranscript"`
}

type createCallResponse struct {
	JoinURL string `json:"joinUrl"`
}

// handleCreateCall is the call provisioning endpoint: it turns the user
// context into a system prompt and creates a call upstream.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.creator.CreateCall(r.Context(), ultravox.CreateCallRequest{
		SystemPrompt: buildSystemPrompt(s.cfg.AgentName, req.FirstName, req.LastCallTranscript),
		Voice:        s.cfg.UltravoxVoice,
	})
	if err != nil {
		s.metrics.CallEvents.WithLabelValues("provision_failed").Inc()
		respondError(w, http.StatusBadGateway, "provision_failed", err.Error())
		return
	}

	s.metrics.CallEvents.WithLabelValues("provisioned").Inc()
	respondJSON(w, http.StatusOK, createCallResponse{JoinURL: res.JoinURL})
}

// buildSystemPrompt gives the agent its persona plus whatever is known
// about the caller.
func buildSystemPrompt(agentName, firstName, lastCallTranscript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a warm and attentive voice companion. ", agentName)
	b.WriteString("Listen closely, respond naturally, and never criticize.")
	if strings.TrimSpace(firstName) != "" {
		fmt.Fprintf(&b, "\nThe caller's first name is %s.", strings.TrimSpace(firstName))
	}
	if strings.TrimSpace(lastCallTranscript) != "" {
		b.WriteString("\nTranscript of your previous conversation with this caller:\n")
		b.WriteString(lastCallTranscript)
	}
	return b.String()
}

// handleLatestCall returns the authenticated user's most recent call
// transcript rendered as "speaker: text" lines.
func (s *Server) handleLatestCall(w http.ResponseWriter, r *http.Request) {
	u := s.userFromRequest(w, r)
	if u == nil {
		return
	}

	rec, err := s.store.LatestCallByUser(r.Context(), u.UID)
	if err != nil {
		// Degrades to no prior call; lookup failures are never fatal here.
		respondJSON(w, http.StatusOK, map[string]string{"transcript": ""})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"transcript": transcript.RenderContext(rec.Transcripts),
	})
}

// userFromRequest resolves the bearer token to a user, writing the error
// response itself when the token is missing or invalid.
func (s *Server) userFromRequest(w http.ResponseWriter, r *http.Request) *store.User {
	if s.identity == nil {
		respondError(w, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return nil
	}
	u, err := s.identity.UserFromToken(r.Context(), tokenFromRequest(r))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return nil
	}
	if u == nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "sign in required")
		return nil
	}
	return u
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
