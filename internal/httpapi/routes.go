package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/launchsim/launchsim-backend/internal/ws"
)

func SetupRoutes(s *Server) http.Handler {
	r := chi.NewRouter()

	// Public routes
	r.Post("/auth/signup", s.handleSignUp)
	r.Post("/auth/signin", s.handleSignIn)
	r.Get("/healthz", Healthz)
	r.Get("/config", s.handleClientConfig)
	r.Get("/ws", ws.Handler(s.Hub, s.Store, s.Identity, s.Log))

	// Everything else requires a signed-in user.
	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/auth/signout", s.handleSignOut)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions/join", s.handleJoinSession)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/participants", s.handleListParticipants)
			r.Get("/events", s.handleListEvents)
			r.Get("/keys", s.handleKeyStatus)
			r.Post("/leave", s.handleLeaveSession)
			r.Post("/initialize", s.handleInitialize)
			r.Post("/diagnostics", s.handleRunDiagnostics)
			r.Post("/keys", s.handleSubmitKey)
			r.Post("/command-key", s.handleSubmitCommandKey)
			r.Post("/admin/state", s.handleAdminOverride)
		})
	})

	return r
}
