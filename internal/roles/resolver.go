// Package roles assigns roles to joining participants: first-come
// operator_a, then operator_b, then observer. The session creator never goes
// through here; the directory seats them as instructor at creation time.
package roles

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/store"
)

type Resolver struct {
	store store.Store
	log   *zap.Logger
}

func NewResolver(s store.Store, log *zap.Logger) *Resolver {
	return &Resolver{store: s, log: log}
}

// Join returns the caller's membership for the session, creating it if
// needed. Re-join is idempotent and returns the existing row unchanged.
func (r *Resolver) Join(ctx context.Context, sessionID, userID string) (store.Participant, error) {
	existing, err := r.store.GetParticipant(ctx, sessionID, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Participant{}, err
	}

	role, err := r.nextRole(ctx, sessionID)
	if err != nil {
		return store.Participant{}, err
	}

	now := time.Now()
	p := store.Participant{
		SessionID:  sessionID,
		UserID:     userID,
		Role:       role,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	if err := r.store.CreateParticipant(ctx, &p); err != nil {
		return store.Participant{}, err
	}

	r.log.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("role", string(role)))
	r.appendEvent(ctx, sessionID, userID, "participant_joined", map[string]any{"role": string(role)})
	return p, nil
}

// Leave removes the membership and appends a departure event. History is
// never deleted; only the participant row goes.
func (r *Resolver) Leave(ctx context.Context, sessionID, userID string) error {
	p, err := r.store.GetParticipant(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.store.DeleteParticipant(ctx, sessionID, userID); err != nil {
		return err
	}
	r.appendEvent(ctx, sessionID, userID, "participant_left", map[string]any{"role": string(p.Role)})
	return nil
}

func (r *Resolver) nextRole(ctx context.Context, sessionID string) (store.Role, error) {
	parts, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return "", err
	}
	occupied := map[store.Role]bool{}
	for _, p := range parts {
		occupied[p.Role] = true
	}
	switch {
	case !occupied[store.RoleOperatorA]:
		return store.RoleOperatorA, nil
	case !occupied[store.RoleOperatorB]:
		return store.RoleOperatorB, nil
	default:
		return store.RoleObserver, nil
	}
}

func (r *Resolver) appendEvent(ctx context.Context, sessionID, userID, typ string, payload map[string]any) {
	e := store.Event{
		ID:        store.NewID(),
		SessionID: sessionID,
		UserID:    &userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendEvent(ctx, &e); err != nil {
		r.log.Warn("event append failed", zap.String("type", typ), zap.Error(err))
	}
}
