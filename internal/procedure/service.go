// Package procedure owns the launch-procedure state machine: the pure
// command engine plus the store-backed service that runs step actions on
// behalf of participants.
package procedure

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/store"
)

var ErrNotParticipant = errors.New("not a participant of this session")

type Config struct {
	// DiagnosticsDelay is the simulated diagnostics duration before the
	// session's delayMultiplier is applied.
	DiagnosticsDelay time.Duration
	// DiagnosticsSuccessRate is the probability in [0,1] that a diagnostics
	// run passes.
	DiagnosticsSuccessRate float64
}

type Service struct {
	store store.Store
	cfg   Config
	log   *zap.Logger

	// Swapped out by tests.
	roll  func() float64
	sleep func(context.Context, time.Duration)
}

func NewService(s store.Store, cfg Config, log *zap.Logger) *Service {
	return &Service{
		store: s,
		cfg:   cfg,
		log:   log,
		roll:  rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// actorRole resolves the caller's participant row. Capability checks run
// against this, never against a role claimed by the client.
func (s *Service) actorRole(ctx context.Context, sessionID, userID string) (store.Role, error) {
	p, err := s.store.GetParticipant(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotParticipant
	}
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// Initialize runs the first procedure step: initialized=true, current_step
// 1, session active.
func (s *Service) Initialize(ctx context.Context, sessionID, userID string) (store.Session, error) {
	role, err := s.actorRole(ctx, sessionID, userID)
	if err != nil {
		return store.Session{}, err
	}
	return s.apply(ctx, sessionID, &userID, Command{Type: CmdInitialize, Actor: role})
}

// RunDiagnostics simulates the diagnostics check: wait the configured delay
// (scaled by the session's delayMultiplier), then roll against the success
// rate. A failed run changes nothing and stays repeatable. The bool reports
// whether this run passed.
func (s *Service) RunDiagnostics(ctx context.Context, sessionID, userID string) (store.Session, bool, error) {
	role, err := s.actorRole(ctx, sessionID, userID)
	if err != nil {
		return store.Session{}, false, err
	}

	// Check readiness before burning the delay, using the same gate Apply
	// re-checks after the timer fires.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, false, err
	}
	if _, _, err := Apply(sess, Command{Type: CmdDiagnosticsResult, Actor: role, Passed: true}); err != nil {
		return store.Session{}, false, err
	}

	delay := time.Duration(float64(s.cfg.DiagnosticsDelay) * sess.SystemState.DelayMultiplier)
	s.sleep(ctx, delay)

	passed := s.roll() < s.cfg.DiagnosticsSuccessRate
	s.log.Info("diagnostics run finished",
		zap.String("session_id", sessionID),
		zap.Bool("passed", passed),
		zap.Duration("delay", delay))

	out, err := s.apply(ctx, sessionID, &userID, Command{Type: CmdDiagnosticsResult, Actor: role, Passed: passed})
	if err != nil {
		return store.Session{}, false, err
	}
	return out, passed, nil
}

// AdminOverride patches the forward-compatible procedure fields directly.
// Instructor only.
func (s *Service) AdminOverride(ctx context.Context, sessionID, userID string, patch AdminPatch) (store.Session, error) {
	role, err := s.actorRole(ctx, sessionID, userID)
	if err != nil {
		return store.Session{}, err
	}
	return s.apply(ctx, sessionID, &userID, Command{Type: CmdAdminOverride, Actor: role, Patch: patch})
}

// apply re-reads the session, runs the command, and persists the result
// under the optimistic version check, retrying on conflict. Events append
// after the write lands; event appends and the session write commit
// independently.
func (s *Service) apply(ctx context.Context, sessionID string, userID *string, cmd Command) (store.Session, error) {
	var events []Event
	sess, err := store.UpdateSession(ctx, s.store, sessionID, func(cur *store.Session) error {
		evts, next, err := Apply(*cur, cmd)
		if err != nil {
			return err
		}
		events = evts
		*cur = next
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	AppendEvents(ctx, s.store, s.log, sessionID, userID, events)
	return sess, nil
}

// AppendEvents writes engine events to the audit log. A failed append is
// logged and swallowed: the state transition already committed and history
// stays append-only either way.
func AppendEvents(ctx context.Context, st store.Store, log *zap.Logger, sessionID string, userID *string, events []Event) {
	for _, e := range events {
		rec := store.Event{
			ID:        store.NewID(),
			SessionID: sessionID,
			UserID:    userID,
			Type:      string(e.Type),
			Payload:   e.Payload,
			CreatedAt: time.Now(),
		}
		if err := st.AppendEvent(ctx, &rec); err != nil {
			log.Warn("event append failed", zap.String("type", rec.Type), zap.Error(err))
		}
	}
}
