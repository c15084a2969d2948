// Package store defines the persisted record shapes and the client contract
// every other component talks to. Calls commit independently; there is no
// multi-row transaction guarantee, and other clients observe a write only on
// their next poll or pushed snapshot.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotFound        = errors.New("record not found")
	// ErrVersionConflict means the session moved since it was read. Re-read
	// and re-apply, or surface to the caller.
	ErrVersionConflict = errors.New("session version conflict")
)

type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// GetSessionByCode resolves a join code, case-insensitively.
	GetSessionByCode(ctx context.Context, code string) (Session, error)
	// ListSessions returns sessions in any of the given statuses, newest
	// first, capped at limit.
	ListSessions(ctx context.Context, statuses []SessionStatus, limit int) ([]Session, error)
	// UpdateSessionState writes status, current_step and the system-state
	// blob, conditional on the session still being at expectVersion. On
	// success the stored version becomes expectVersion+1.
	UpdateSessionState(ctx context.Context, id string, expectVersion int64, status SessionStatus, step int, state SystemState) error

	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	DeleteParticipant(ctx context.Context, sessionID, userID string) error
	// TouchParticipant refreshes the last-seen heartbeat timestamp.
	TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) error

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)

	CreateKeyAuthorization(ctx context.Context, a *KeyAuthorization) error
	// LatestKeyAuthorization returns the newest row for the session, which
	// acts as the current one. ErrNotFound when none exists yet.
	LatestKeyAuthorization(ctx context.Context, sessionID string) (KeyAuthorization, error)
	UpdateKeyAuthorization(ctx context.Context, a *KeyAuthorization) error
}

const updateAttempts = 3

// UpdateSession re-reads the session and applies mut until the conditional
// write lands, up to a few attempts. mut sees a fresh copy each attempt, so
// it must derive everything from the session it is given. Returns the
// session as written.
func UpdateSession(ctx context.Context, s Store, id string, mut func(*Session) error) (Session, error) {
	var lastErr error
	for i := 0; i < updateAttempts; i++ {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return Session{}, err
		}
		expect := sess.Version
		if err := mut(&sess); err != nil {
			return Session{}, err
		}
		err = s.UpdateSessionState(ctx, id, expect, sess.Status, sess.CurrentStep, sess.SystemState)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Session{}, err
		}
		sess.Version = expect + 1
		return sess, nil
	}
	return Session{}, lastErr
}
