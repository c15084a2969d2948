package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/launchsim/launchsim-backend/internal/hub"
	"github.com/launchsim/launchsim-backend/internal/identity"
	"github.com/launchsim/launchsim-backend/internal/keyauth"
	"github.com/launchsim/launchsim-backend/internal/lobby"
	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/roles"
	"github.com/launchsim/launchsim-backend/internal/store"
)

func newTestServer(t *testing.T, successRate float64) *httptest.Server {
	t.Helper()
	st := store.NewMemory()
	log := zap.NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, st, time.Hour, log)

	srv := &Server{
		Store:     st,
		Directory: lobby.NewDirectory(st, log),
		Roles:     roles.NewResolver(st, log),
		Procedure: procedure.NewService(st, procedure.Config{
			DiagnosticsDelay:       0,
			DiagnosticsSuccessRate: successRate,
		}, log),
		Keys:     keyauth.NewProtocol(st, log),
		Identity: identity.NewService(identity.NewMemoryStore(), time.Hour),
		Hub:      h,
		Intervals: Intervals{
			SessionPoll:    2 * time.Second,
			LobbyPoll:      5 * time.Second,
			PresenceWindow: 10 * time.Second,
		},
		Log: log,
	}
	ts := httptest.NewServer(SetupRoutes(srv))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func signUp(t *testing.T, ts *httptest.Server, email string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := do(t, ts, http.MethodPost, "/auth/signup", "",
		map[string]string{"email": email, "password": "hunter22"}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp.Token
}

func TestEndToEndLaunchProcedure(t *testing.T) {
	ts := newTestServer(t, 1.0)

	instructor := signUp(t, ts, "instructor@example.com")
	opA := signUp(t, ts, "operator.a@example.com")
	opB := signUp(t, ts, "operator.b@example.com")

	// Instructor creates the session and gets a shareable code.
	var sess store.Session
	status := do(t, ts, http.MethodPost, "/sessions", instructor, nil, &sess)
	require.Equal(t, http.StatusCreated, status)
	require.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`), sess.Code)
	require.Equal(t, store.StatusWaiting, sess.Status)

	// It shows up in the lobby listing.
	var listing struct {
		Sessions []store.Session `json:"sessions"`
	}
	status = do(t, ts, http.MethodGet, "/sessions", opA, nil, &listing)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listing.Sessions, 1)

	// Instructor initializes: step 1, session goes active.
	var after store.Session
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/initialize", instructor, nil, &after)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, after.CurrentStep)
	require.Equal(t, store.StatusActive, after.Status)
	require.True(t, after.SystemState.Initialized)

	// Operators join by code, case-insensitively, in order.
	var joinA, joinB struct {
		Participant store.Participant `json:"participant"`
	}
	status = do(t, ts, http.MethodPost, "/sessions/join", opA,
		map[string]string{"code": strings.ToLower(sess.Code)}, &joinA)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, store.RoleOperatorA, joinA.Participant.Role)

	status = do(t, ts, http.MethodPost, "/sessions/join", opB,
		map[string]string{"code": sess.Code}, &joinB)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, store.RoleOperatorB, joinB.Participant.Role)

	// Diagnostics at success rate 1.0 passes and advances to step 2.
	var diag struct {
		Session store.Session `json:"session"`
		Passed  bool          `json:"passed"`
	}
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/diagnostics", instructor, nil, &diag)
	require.Equal(t, http.StatusOK, status)
	require.True(t, diag.Passed)
	require.Equal(t, 2, diag.Session.CurrentStep)

	// First key: partial. Session stays unauthenticated.
	var auth store.KeyAuthorization
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/keys", opA,
		map[string]string{"key": "AAAABBBB"}, &auth)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, store.KeyAuthPartial, auth.Status)

	var mid store.Session
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID, opB, nil, &mid)
	require.False(t, mid.SystemState.Authenticated)

	// Second key completes the dual-key control.
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/keys", opB,
		map[string]string{"key": "CCCCDDDD"}, &auth)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, store.KeyAuthComplete, auth.Status)

	var done store.Session
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID, instructor, nil, &done)
	require.True(t, done.SystemState.Authenticated)
	require.Equal(t, 3, done.CurrentStep)

	// The completion event landed in the audit log.
	var events struct {
		Events []store.Event `json:"events"`
	}
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID+"/events", instructor, nil, &events)
	var sawCompletion bool
	for _, e := range events.Events {
		if e.Type == "dual_key_authentication_complete" {
			sawCompletion = true
		}
	}
	require.True(t, sawCompletion, "expected dual_key_authentication_complete in %+v", events.Events)
}

func TestAPI_PermissionsEnforcedServerSide(t *testing.T) {
	ts := newTestServer(t, 1.0)

	instructor := signUp(t, ts, "instructor@example.com")
	opA := signUp(t, ts, "operator.a@example.com")
	opB := signUp(t, ts, "operator.b@example.com")
	watcher := signUp(t, ts, "watcher@example.com")

	var sess store.Session
	do(t, ts, http.MethodPost, "/sessions", instructor, nil, &sess)
	join := func(token string) {
		status := do(t, ts, http.MethodPost, "/sessions/join", token,
			map[string]string{"code": sess.Code}, nil)
		require.Equal(t, http.StatusOK, status)
	}
	join(opA)
	join(opB)
	join(watcher) // third joiner becomes observer

	// Observers cannot trigger steps, whatever their UI claims.
	var errResp struct {
		Code string `json:"code"`
	}
	status := do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/initialize", watcher, nil, &errResp)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "Forbidden", errResp.Code)

	do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/initialize", instructor, nil, nil)
	do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/diagnostics", instructor, nil, nil)

	// Instructors cannot forge an operator key submission.
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/keys", instructor,
		map[string]string{"key": "AAAABBBB"}, &errResp)
	require.Equal(t, http.StatusForbidden, status)

	// Key length is validated before anything is written.
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/keys", opA,
		map[string]string{"key": "short"}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "ValidationFailed", errResp.Code)

	// Auth status view is instructor-only.
	status = do(t, ts, http.MethodGet, "/sessions/"+sess.ID+"/keys", opA, nil, nil)
	require.Equal(t, http.StatusForbidden, status)
	status = do(t, ts, http.MethodGet, "/sessions/"+sess.ID+"/keys", instructor, nil, nil)
	require.Equal(t, http.StatusOK, status)

	// Admin override is instructor-only.
	armed := map[string]any{"armed": true}
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/admin/state", opA, armed, nil)
	require.Equal(t, http.StatusForbidden, status)
	var overridden store.Session
	status = do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/admin/state", instructor, armed, &overridden)
	require.Equal(t, http.StatusOK, status)
	require.True(t, overridden.SystemState.Armed)

	// Joining a session that does not exist surfaces SessionNotFound.
	status = do(t, ts, http.MethodPost, "/sessions/join", opA,
		map[string]string{"code": "ZZZZ-ZZZZ"}, &errResp)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "SessionNotFound", errResp.Code)

	// No token, no access.
	status = do(t, ts, http.MethodGet, "/sessions", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_GetSessionActsAsHeartbeat(t *testing.T) {
	ts := newTestServer(t, 1.0)
	instructor := signUp(t, ts, "instructor@example.com")

	var sess store.Session
	do(t, ts, http.MethodPost, "/sessions", instructor, nil, &sess)

	var before, after struct {
		Participants []struct {
			UserID     string    `json:"user_id"`
			LastSeenAt time.Time `json:"last_seen_at"`
			Active     bool      `json:"active"`
		} `json:"participants"`
	}
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID+"/participants", instructor, nil, &before)
	require.Len(t, before.Participants, 1)
	require.True(t, before.Participants[0].Active)

	time.Sleep(10 * time.Millisecond)
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID, instructor, nil, nil)
	do(t, ts, http.MethodGet, "/sessions/"+sess.ID+"/participants", instructor, nil, &after)
	require.True(t, after.Participants[0].LastSeenAt.After(before.Participants[0].LastSeenAt),
		"poll read should refresh last-seen")
}

func TestAPI_DiagnosticsFailureIsRepeatable(t *testing.T) {
	ts := newTestServer(t, 0.0)
	instructor := signUp(t, ts, "instructor@example.com")

	var sess store.Session
	do(t, ts, http.MethodPost, "/sessions", instructor, nil, &sess)
	do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/initialize", instructor, nil, nil)

	for i := 0; i < 2; i++ {
		var diag struct {
			Session store.Session `json:"session"`
			Passed  bool          `json:"passed"`
		}
		status := do(t, ts, http.MethodPost, "/sessions/"+sess.ID+"/diagnostics", instructor, nil, &diag)
		require.Equal(t, http.StatusOK, status, "attempt %d", i)
		require.False(t, diag.Passed)
		require.Equal(t, 1, diag.Session.CurrentStep)
	}
}

func TestAPI_ClientConfig(t *testing.T) {
	ts := newTestServer(t, 1.0)
	var cfg map[string]any
	status := do(t, ts, http.MethodGet, "/config", "", nil, &cfg)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(2), cfg["session_poll_seconds"])
	require.Equal(t, float64(5), cfg["lobby_poll_seconds"])
	require.EqualValues(t, keyauth.KeyLength, cfg["key_length"])
}
