// Package lobby is the session directory: creation with a shareable code,
// discovery of joinable sessions, and join-by-code lookup.
package lobby

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/store"
)

// ListLimit caps the lobby listing.
const ListLimit = 10

type Directory struct {
	store store.Store
	log   *zap.Logger
}

func NewDirectory(s store.Store, log *zap.Logger) *Directory {
	return &Directory{store: s, log: log}
}

// Create makes a new waiting session and seats the creator as instructor.
// The creator bypasses first-come role assignment entirely.
func (d *Directory) Create(ctx context.Context, creatorID string) (store.Session, error) {
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			return store.Session{}, err
		}
		if _, err := d.store.GetSessionByCode(ctx, c); err == store.ErrSessionNotFound {
			code = c
			break
		} else if err != nil {
			return store.Session{}, err
		}
		d.log.Info("session code collision, regenerating", zap.String("code", c))
	}

	now := time.Now()
	sess := store.Session{
		ID:          store.NewID(),
		Code:        code,
		CreatorID:   creatorID,
		Status:      store.StatusWaiting,
		CurrentStep: 0,
		RunID:       NewRunID(now),
		SystemState: store.NewSystemState(),
		CreatedAt:   now,
	}
	if err := d.store.CreateSession(ctx, &sess); err != nil {
		return store.Session{}, err
	}

	instructor := store.Participant{
		SessionID:  sess.ID,
		UserID:     creatorID,
		Role:       store.RoleInstructor,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	if err := d.store.CreateParticipant(ctx, &instructor); err != nil {
		return store.Session{}, err
	}

	evt := store.Event{
		ID:        store.NewID(),
		SessionID: sess.ID,
		UserID:    &sess.CreatorID,
		Type:      "session_created",
		Payload:   map[string]any{"code": code, "run_id": sess.RunID},
		CreatedAt: now,
	}
	if err := d.store.AppendEvent(ctx, &evt); err != nil {
		d.log.Warn("event append failed", zap.String("type", evt.Type), zap.Error(err))
	}

	d.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("code", code),
		zap.String("run_id", sess.RunID))
	return sess, nil
}

// List returns joinable sessions (waiting or active), newest first.
func (d *Directory) List(ctx context.Context) ([]store.Session, error) {
	return d.store.ListSessions(ctx,
		[]store.SessionStatus{store.StatusWaiting, store.StatusActive}, ListLimit)
}

// JoinByCode resolves a code case-insensitively. Misses surface as
// store.ErrSessionNotFound.
func (d *Directory) JoinByCode(ctx context.Context, code string) (store.Session, error) {
	return d.store.GetSessionByCode(ctx, code)
}
