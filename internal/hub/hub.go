// Package hub keeps the registry of per-session watch feeds.
package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/store"
	"github.com/launchsim/launchsim-backend/internal/watch"
)

type HubMsg interface{ isHubMsg() }

// Ensure returns the feed for a session, starting one if needed.
type Ensure struct {
	SessionID string
	Reply     chan *watch.Feed
}

type Get struct {
	SessionID string
	Reply     chan *watch.Feed
}

// Broadcast forwards a freshly written session to its feed, if one is
// running. No feed means no subscribers, so there is nothing to push.
type Broadcast struct{ Session store.Session }

type Remove struct{ SessionID string }

type ShutdownHub struct{}

func (Ensure) isHubMsg()      {}
func (Get) isHubMsg()         {}
func (Broadcast) isHubMsg()   {}
func (Remove) isHubMsg()      {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox    chan HubMsg
	feeds    map[string]*watch.Feed
	store    store.Store
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func NewHub(parent context.Context, s store.Store, interval time.Duration, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		feeds:    make(map[string]*watch.Feed),
		store:    s,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Notify is the convenience wrapper handlers call after a successful write.
func (h *Hub) Notify(sess store.Session) {
	h.inbox <- Broadcast{Session: sess}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Ensure:
				if f := h.feeds[msg.SessionID]; f != nil {
					msg.Reply <- f
					break
				}
				f := watch.NewFeed(h.ctx, h.store, msg.SessionID, h.interval, h.log)
				h.feeds[msg.SessionID] = f
				msg.Reply <- f

			case Get:
				msg.Reply <- h.feeds[msg.SessionID] // May be nil

			case Broadcast:
				if f := h.feeds[msg.Session.ID]; f != nil {
					f.Inbox() <- watch.Publish{Session: msg.Session}
				}

			case Remove:
				if f := h.feeds[msg.SessionID]; f != nil {
					f.Inbox() <- watch.Shutdown{}
					delete(h.feeds, msg.SessionID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for id, f := range h.feeds {
		f.Inbox() <- watch.Shutdown{}
		delete(h.feeds, id)
	}
	h.cancel()
}
