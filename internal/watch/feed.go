// Package watch runs one broadcast feed per session. Mutating handlers
// publish the session they just wrote; a reconciliation poll re-reads the
// store on the session poll interval and catches writes from other server
// instances or missed publishes. Subscribers get versioned snapshots and a
// snapshot is only sent when the version moved forward.
package watch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/store"
)

type Msg interface{ isFeedMsg() }

type Subscribe struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

func (Subscribe) isFeedMsg() {}

type Unsubscribe struct{ ClientID string }

func (Unsubscribe) isFeedMsg() {}

// Publish hands the feed a session a handler just wrote, so subscribers see
// it before the next reconciliation poll.
type Publish struct{ Session store.Session }

func (Publish) isFeedMsg() {}

type Shutdown struct{}

func (Shutdown) isFeedMsg() {}

// GetState is test-only: reflect internal state without data races.
type GetState struct{ Reply chan View }

func (GetState) isFeedMsg() {}

type Snapshot struct {
	Version int64
	Session store.Session
}

type View struct {
	Version    int64
	NumClients int
}

type Feed struct {
	inbox     chan Msg
	store     store.Store
	sessionID string
	interval  time.Duration
	last      store.Session
	clients   map[string]chan Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
}

func NewFeed(parent context.Context, s store.Store, sessionID string, interval time.Duration, log *zap.Logger) *Feed {
	ctx, cancel := context.WithCancel(parent)
	f := &Feed{
		inbox:     make(chan Msg, 64),
		store:     s,
		sessionID: sessionID,
		interval:  interval,
		clients:   make(map[string]chan Snapshot),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	go f.loop()
	return f
}

// Inbox exposes the feed's mailbox to the ws layer and tests.
func (f *Feed) Inbox() chan<- Msg { return f.inbox }

func (f *Feed) loop() {
	if sess, err := f.store.GetSession(f.ctx, f.sessionID); err == nil {
		f.last = sess
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			f.shutdown()
			return

		case <-ticker.C:
			f.reconcile()

		case m := <-f.inbox:
			switch msg := m.(type) {
			case Subscribe:
				// Register client + send current snapshot immediately.
				f.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- Snapshot{Version: f.last.Version, Session: f.last}

			case Unsubscribe:
				delete(f.clients, msg.ClientID)

			case Publish:
				if msg.Session.Version > f.last.Version {
					f.last = msg.Session
					f.broadcast(Snapshot{Version: f.last.Version, Session: f.last})
				}

			case GetState:
				msg.Reply <- View{Version: f.last.Version, NumClients: len(f.clients)}

			case Shutdown:
				f.shutdown()
				return
			}
		}
	}
}

// reconcile is the fallback poll: re-read ground truth and broadcast if the
// version moved.
func (f *Feed) reconcile() {
	sess, err := f.store.GetSession(f.ctx, f.sessionID)
	if err != nil {
		f.log.Warn("feed reconcile failed", zap.String("session_id", f.sessionID), zap.Error(err))
		return
	}
	if sess.Version > f.last.Version {
		f.last = sess
		f.broadcast(Snapshot{Version: f.last.Version, Session: f.last})
	}
}

func (f *Feed) shutdown() {
	for id, ch := range f.clients {
		close(ch) // Tell client no more snapshots
		delete(f.clients, id)
	}
	f.cancel()
}

func (f *Feed) broadcast(snap Snapshot) {
	for id, ch := range f.clients {
		select {
		case ch <- snap:
			// ok
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(f.clients, id)
		}
	}
}
