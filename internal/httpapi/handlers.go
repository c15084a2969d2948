package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/hub"
	"github.com/launchsim/launchsim-backend/internal/identity"
	"github.com/launchsim/launchsim-backend/internal/keyauth"
	"github.com/launchsim/launchsim-backend/internal/lobby"
	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/roles"
	"github.com/launchsim/launchsim-backend/internal/store"
)

// Intervals tells browser clients how often to poll and how stale a
// heartbeat may be before a participant stops counting as active.
type Intervals struct {
	SessionPoll    time.Duration
	LobbyPoll      time.Duration
	PresenceWindow time.Duration
}

type Server struct {
	Store     store.Store
	Directory *lobby.Directory
	Roles     *roles.Resolver
	Procedure *procedure.Service
	Keys      *keyauth.Protocol
	Identity  *identity.Service
	Hub       *hub.Hub
	Intervals Intervals
	Log       *zap.Logger
}

type ctxKey int

const userKey ctxKey = 0

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, identity.ErrInvalidToken)
			return
		}
		user, err := s.Identity.UserForToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(r *http.Request) identity.User {
	u, _ := r.Context().Value(userKey).(identity.User)
	return u
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "bad json")
		return
	}
	user, token, err := s.Identity.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "bad json")
		return
	}
	user, token, err := s.Identity.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.Identity.SignOut(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClientConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_poll_seconds":    s.Intervals.SessionPoll.Seconds(),
		"lobby_poll_seconds":      s.Intervals.LobbyPoll.Seconds(),
		"presence_window_seconds": s.Intervals.PresenceWindow.Seconds(),
		"code_format":             "XXXX-XXXX",
		"key_length":              keyauth.KeyLength,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Directory.Create(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Directory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "bad json")
		return
	}
	sess, err := s.Directory.JoinByCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	part, err := s.Roles.Join(r.Context(), sess.ID, currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "participant": part})
}

// handleGetSession is the poll read. Reading doubles as the heartbeat: a
// participant's last-seen refreshes on every cycle.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.TouchParticipant(r.Context(), id, currentUser(r).ID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.Log.Warn("heartbeat touch failed", zap.String("session_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, sess)
}

type participantView struct {
	store.Participant
	Active bool `json:"active"`
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	parts, err := s.Store.ListParticipants(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	out := make([]participantView, 0, len(parts))
	for _, p := range parts {
		out = append(out, participantView{
			Participant: p,
			Active:      now.Sub(p.LastSeenAt) <= s.Intervals.PresenceWindow,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	events, err := s.Store.ListEvents(r.Context(), id, 200)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.Roles.Leave(r.Context(), id, currentUser(r).ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.Procedure.Initialize(r.Context(), id, currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Hub.Notify(sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, passed, err := s.Procedure.RunDiagnostics(r.Context(), id, currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Hub.Notify(sess)
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "passed": passed})
}

func (s *Server) handleSubmitKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "bad json")
		return
	}
	auth, err := s.Keys.SubmitKey(r.Context(), id, currentUser(r).ID, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	// Completion may have just advanced the session; push the fresh read.
	if sess, err := s.Store.GetSession(r.Context(), id); err == nil {
		s.Hub.Notify(sess)
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleSubmitCommandKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "bad json")
		return
	}
	auth, err := s.Keys.SubmitCommandKey(r.Context(), id, currentUser(r).ID, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// handleKeyStatus shows the live authorization row. Instructor only; the
// operators each see only their own submission state in their UI.
func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	part, err := s.Store.GetParticipant(r.Context(), id, currentUser(r).ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, procedure.ErrNotParticipant)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if part.Role != store.RoleInstructor {
		writeError(w, procedure.ErrNotInstructor)
		return
	}
	auth, err := s.Store.LatestKeyAuthorization(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, store.KeyAuthorization{SessionID: id, Status: store.KeyAuthPending})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleAdminOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var patch procedure.AdminPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		badRequest(w, "bad json")
		return
	}
	sess, err := s.Procedure.AdminOverride(r.Context(), id, currentUser(r).ID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Hub.Notify(sess)
	writeJSON(w, http.StatusOK, sess)
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
