package keyauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/store"
)

func seedReadySession(t *testing.T, st store.Store) store.Session {
	t.Helper()
	state := store.NewSystemState()
	state.Initialized = true
	state.DiagnosticsPassed = true
	sess := store.Session{
		ID:          store.NewID(),
		Code:        "AB12-CD34",
		CreatorID:   "instructor",
		Status:      store.StatusActive,
		CurrentStep: 2,
		RunID:       "RUN-TEST",
		SystemState: state,
	}
	require.NoError(t, st.CreateSession(context.Background(), &sess))

	now := time.Now()
	for user, role := range map[string]store.Role{
		"instructor": store.RoleInstructor,
		"op-a":       store.RoleOperatorA,
		"op-b":       store.RoleOperatorB,
		"watcher":    store.RoleObserver,
	} {
		p := store.Participant{SessionID: sess.ID, UserID: user, Role: role, JoinedAt: now, LastSeenAt: now}
		require.NoError(t, st.CreateParticipant(context.Background(), &p))
	}
	return sess
}

func TestSubmitKey_LengthValidated(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	p := NewProtocol(st, zap.NewNop())

	_, err := p.SubmitKey(context.Background(), sess.ID, "op-a", "short")
	require.ErrorIs(t, err, ErrKeyLength)
	_, err = p.SubmitKey(context.Background(), sess.ID, "op-a", "way-too-long-key")
	require.ErrorIs(t, err, ErrKeyLength)

	// Content is not validated, only length.
	auth, err := p.SubmitKey(context.Background(), sess.ID, "op-a", "!!??$$88")
	require.NoError(t, err)
	require.Equal(t, store.KeyAuthPartial, auth.Status)
}

func TestSubmitKey_OperatorRoleEnforced(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	p := NewProtocol(st, zap.NewNop())

	_, err := p.SubmitKey(context.Background(), sess.ID, "instructor", "AAAABBBB")
	require.ErrorIs(t, err, ErrNotOperator)
	_, err = p.SubmitKey(context.Background(), sess.ID, "watcher", "AAAABBBB")
	require.ErrorIs(t, err, ErrNotOperator)
	_, err = p.SubmitKey(context.Background(), sess.ID, "stranger", "AAAABBBB")
	require.ErrorIs(t, err, procedure.ErrNotParticipant)
}

func TestSubmitKey_GatedOnDiagnostics(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	_, err := store.UpdateSession(context.Background(), st, sess.ID, func(s *store.Session) error {
		s.SystemState.DiagnosticsPassed = false
		return nil
	})
	require.NoError(t, err)

	p := NewProtocol(st, zap.NewNop())
	_, err = p.SubmitKey(context.Background(), sess.ID, "op-a", "AAAABBBB")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestDualKeyCompletion_DerivedFromStoreAcrossClients(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)

	// Two protocol instances model two independent browser clients; the
	// only thing they share is the store.
	clientA := NewProtocol(st, zap.NewNop())
	clientB := NewProtocol(st, zap.NewNop())

	auth, err := clientA.SubmitKey(context.Background(), sess.ID, "op-a", "AAAABBBB")
	require.NoError(t, err)
	require.Equal(t, store.KeyAuthPartial, auth.Status)
	require.NotNil(t, auth.OperatorAAuthAt)
	require.Nil(t, auth.OperatorBAuthAt)

	mid, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, mid.SystemState.Authenticated, "one key must not authenticate")

	auth, err = clientB.SubmitKey(context.Background(), sess.ID, "op-b", "CCCCDDDD")
	require.NoError(t, err)
	require.Equal(t, store.KeyAuthComplete, auth.Status)
	require.NotNil(t, auth.OperatorAAuthAt)
	require.NotNil(t, auth.OperatorBAuthAt)

	done, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, done.SystemState.Authenticated)
	require.Equal(t, 3, done.CurrentStep)

	events, err := st.ListEvents(context.Background(), sess.ID, 50)
	require.NoError(t, err)
	var completion *store.Event
	for i := range events {
		if events[i].Type == string(procedure.EvtDualKeyComplete) {
			completion = &events[i]
		}
	}
	require.NotNil(t, completion, "completion event missing")
	require.Nil(t, completion.UserID, "completion is system-generated")
}

func TestSubmitKey_ResubmitBeforeCompletionIsHarmless(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	p := NewProtocol(st, zap.NewNop())

	first, err := p.SubmitKey(context.Background(), sess.ID, "op-a", "AAAABBBB")
	require.NoError(t, err)
	second, err := p.SubmitKey(context.Background(), sess.ID, "op-a", "EEEEFFFF")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "resubmission must reuse the live row")
	require.Equal(t, store.KeyAuthPartial, second.Status)
	require.Equal(t, "EEEEFFFF", *second.OperatorAKey, "key value is overwritten")
	require.False(t, second.OperatorAAuthAt.Before(*first.OperatorAAuthAt), "timestamp refreshes")
}

func TestCheckCompletion_RerunIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	p := NewProtocol(st, zap.NewNop())

	_, err := p.SubmitKey(context.Background(), sess.ID, "op-a", "AAAABBBB")
	require.NoError(t, err)
	_, err = p.SubmitKey(context.Background(), sess.ID, "op-b", "CCCCDDDD")
	require.NoError(t, err)

	before, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)

	// The other client's poll re-runs the check against store state.
	done, err := p.CheckCompletion(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, done)

	after, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version, "re-running completion must not rewrite the session")
}

func TestSubmitCommandKey_InstructorOnlyAndNoCompletionEffect(t *testing.T) {
	st := store.NewMemory()
	sess := seedReadySession(t, st)
	p := NewProtocol(st, zap.NewNop())

	_, err := p.SubmitCommandKey(context.Background(), sess.ID, "op-a", "AAAABBBB")
	require.ErrorIs(t, err, procedure.ErrNotInstructor)

	auth, err := p.SubmitCommandKey(context.Background(), sess.ID, "instructor", "ZZZZ9999")
	require.NoError(t, err)
	require.NotNil(t, auth.CommandKey)
	require.NotNil(t, auth.CommandAuthAt)
	require.Equal(t, store.KeyAuthPending, auth.Status, "command key alone contributes nothing")

	mid, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, mid.SystemState.Authenticated)
}

func TestDeriveStatus_CompleteIffBothTimestamps(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		a, b *time.Time
		want store.KeyAuthStatus
	}{
		{"none", nil, nil, store.KeyAuthPending},
		{"only a", &now, nil, store.KeyAuthPartial},
		{"only b", nil, &now, store.KeyAuthPartial},
		{"both", &now, &now, store.KeyAuthComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(store.KeyAuthorization{OperatorAAuthAt: tc.a, OperatorBAuthAt: tc.b})
			require.Equal(t, tc.want, got)
		})
	}
}
