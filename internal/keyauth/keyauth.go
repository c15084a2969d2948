// Package keyauth implements the dual-control key protocol gating the
// authentication step. Each operator submits an 8-character key through
// their own client; completion is derived from the stored authorization row,
// never from combining both submissions in one process, so either operator's
// submission (or poll) can observe it.
package keyauth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/store"
)

// KeyLength is the exact required key size. Content is not validated: the
// control is two independent simultaneous actions, not a secret comparison.
const KeyLength = 8

var ErrKeyLength = errors.New("key must be exactly 8 characters")
var ErrNotOperator = errors.New("only operators may submit keys")
var ErrNotReady = errors.New("diagnostics have not passed")

type Protocol struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewProtocol(s store.Store, log *zap.Logger) *Protocol {
	return &Protocol{store: s, log: log, now: time.Now}
}

// SubmitKey records one operator's key and re-runs the completion check.
// Re-submitting before completion overwrites the key and refreshes the
// timestamp, which is harmless.
func (p *Protocol) SubmitKey(ctx context.Context, sessionID, userID, key string) (store.KeyAuthorization, error) {
	if len(key) != KeyLength {
		return store.KeyAuthorization{}, ErrKeyLength
	}

	part, err := p.store.GetParticipant(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.KeyAuthorization{}, procedure.ErrNotParticipant
	}
	if err != nil {
		return store.KeyAuthorization{}, err
	}
	if part.Role != store.RoleOperatorA && part.Role != store.RoleOperatorB {
		return store.KeyAuthorization{}, ErrNotOperator
	}

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.KeyAuthorization{}, err
	}
	if !sess.SystemState.DiagnosticsPassed {
		return store.KeyAuthorization{}, ErrNotReady
	}

	auth, err := p.currentOrNew(ctx, sessionID)
	if err != nil {
		return store.KeyAuthorization{}, err
	}

	now := p.now()
	if part.Role == store.RoleOperatorA {
		auth.OperatorAKey = &key
		auth.OperatorAAuthAt = &now
	} else {
		auth.OperatorBKey = &key
		auth.OperatorBAuthAt = &now
	}
	auth.Status = DeriveStatus(auth)
	if err := p.store.UpdateKeyAuthorization(ctx, &auth); err != nil {
		return store.KeyAuthorization{}, err
	}

	p.appendEvent(ctx, sessionID, &userID, "operator_key_submitted", map[string]any{"slot": string(part.Role)})
	p.log.Info("operator key submitted",
		zap.String("session_id", sessionID),
		zap.String("slot", string(part.Role)),
		zap.String("status", string(auth.Status)))

	if _, err := p.CheckCompletion(ctx, sessionID); err != nil {
		return store.KeyAuthorization{}, err
	}
	return p.store.LatestKeyAuthorization(ctx, sessionID)
}

// SubmitCommandKey records the instructor's command key for the audit trail.
// It never contributes to completion; that is derived from the two operator
// timestamps only.
func (p *Protocol) SubmitCommandKey(ctx context.Context, sessionID, userID, key string) (store.KeyAuthorization, error) {
	if len(key) != KeyLength {
		return store.KeyAuthorization{}, ErrKeyLength
	}
	part, err := p.store.GetParticipant(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.KeyAuthorization{}, procedure.ErrNotParticipant
	}
	if err != nil {
		return store.KeyAuthorization{}, err
	}
	if part.Role != store.RoleInstructor {
		return store.KeyAuthorization{}, procedure.ErrNotInstructor
	}

	auth, err := p.currentOrNew(ctx, sessionID)
	if err != nil {
		return store.KeyAuthorization{}, err
	}
	now := p.now()
	auth.CommandKey = &key
	auth.CommandAuthAt = &now
	if err := p.store.UpdateKeyAuthorization(ctx, &auth); err != nil {
		return store.KeyAuthorization{}, err
	}
	p.appendEvent(ctx, sessionID, &userID, "command_key_submitted", nil)
	return auth, nil
}

// CheckCompletion re-derives completion from the stored authorization row.
// When both operator timestamps are present it marks the row complete, flips
// authenticated on the session, advances current_step to 3 and appends the
// completion event. Safe to re-run from any client at any time.
func (p *Protocol) CheckCompletion(ctx context.Context, sessionID string) (bool, error) {
	auth, err := p.store.LatestKeyAuthorization(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if auth.OperatorAAuthAt == nil || auth.OperatorBAuthAt == nil {
		return false, nil
	}

	if auth.Status != store.KeyAuthComplete {
		auth.Status = store.KeyAuthComplete
		if err := p.store.UpdateKeyAuthorization(ctx, &auth); err != nil {
			return false, err
		}
	}

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.SystemState.Authenticated {
		return true, nil
	}

	var events []procedure.Event
	_, err = store.UpdateSession(ctx, p.store, sessionID, func(cur *store.Session) error {
		evts, next, err := procedure.Apply(*cur, procedure.Command{Type: procedure.CmdAuthComplete})
		if err != nil {
			return err
		}
		events = evts
		*cur = next
		return nil
	})
	if err != nil {
		return false, err
	}
	// System-generated: neither operator alone completed the control.
	procedure.AppendEvents(ctx, p.store, p.log, sessionID, nil, events)
	p.log.Info("dual key authentication complete", zap.String("session_id", sessionID))
	return true, nil
}

// DeriveStatus computes the row status from the operator timestamps. It
// never regresses an already-complete row.
func DeriveStatus(a store.KeyAuthorization) store.KeyAuthStatus {
	if a.Status == store.KeyAuthComplete {
		return store.KeyAuthComplete
	}
	switch {
	case a.OperatorAAuthAt != nil && a.OperatorBAuthAt != nil:
		return store.KeyAuthComplete
	case a.OperatorAAuthAt != nil || a.OperatorBAuthAt != nil:
		return store.KeyAuthPartial
	default:
		return store.KeyAuthPending
	}
}

// currentOrNew returns the live authorization row, creating it lazily on
// first submission.
func (p *Protocol) currentOrNew(ctx context.Context, sessionID string) (store.KeyAuthorization, error) {
	auth, err := p.store.LatestKeyAuthorization(ctx, sessionID)
	if err == nil {
		return auth, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.KeyAuthorization{}, err
	}
	auth = store.KeyAuthorization{
		ID:        store.NewID(),
		SessionID: sessionID,
		Status:    store.KeyAuthPending,
		CreatedAt: p.now(),
	}
	if err := p.store.CreateKeyAuthorization(ctx, &auth); err != nil {
		return store.KeyAuthorization{}, err
	}
	return auth, nil
}

func (p *Protocol) appendEvent(ctx context.Context, sessionID string, userID *string, typ string, payload map[string]any) {
	e := store.Event{
		ID:        store.NewID(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: p.now(),
	}
	if err := p.store.AppendEvent(ctx, &e); err != nil {
		p.log.Warn("event append failed", zap.String("type", typ), zap.Error(err))
	}
}
