package ws

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/launchsim/launchsim-backend/internal/hub"
	"github.com/launchsim/launchsim-backend/internal/identity"
	"github.com/launchsim/launchsim-backend/internal/store"
	"github.com/launchsim/launchsim-backend/internal/watch"
)

// Client -> Server
type ClientMessage struct {
	Type string `json:"type"` // "Heartbeat"
}

// Server -> Client
type ServerMessage struct {
	Type    string         `json:"type"` // "SessionSnapshot" | "Error"
	Version int64          `json:"version,omitempty"`
	Session *store.Session `json:"session,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Handler subscribes a client to a session's snapshot feed. The bearer token
// rides in the query string because browsers cannot set websocket headers.
// Heartbeat messages refresh the participant's last-seen timestamp, standing
// in for the poll-cycle heartbeat of plain HTTP clients.
func Handler(h *hub.Hub, st store.Store, ids *identity.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		user, err := ids.UserForToken(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		sess, err := st.GetSessionByCode(r.Context(), code)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		reply := make(chan *watch.Feed, 1)
		h.Inbox() <- hub.Ensure{SessionID: sess.ID, Reply: reply}
		feed := <-reply

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan watch.Snapshot, 8)
		clientID := user.ID + "-" + randID(6)

		feed.Inbox() <- watch.Subscribe{ClientID: clientID, Outbox: out}
		defer func() { feed.Inbox() <- watch.Unsubscribe{ClientID: clientID} }()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				msg := ServerMessage{Type: "SessionSnapshot", Version: snap.Version, Session: &snap.Session}
				payload, _ := json.Marshal(msg)
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"Error","error":"bad json"}`))
				continue
			}

			switch cm.Type {
			case "Heartbeat":
				if err := st.TouchParticipant(r.Context(), sess.ID, user.ID, time.Now()); err != nil {
					log.Warn("heartbeat touch failed", zap.String("session_id", sess.ID), zap.Error(err))
				}
			default:
				_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"Error","error":"unknown type"}`))
			}
		}
	}
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
