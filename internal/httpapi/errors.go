package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/launchsim/launchsim-backend/internal/identity"
	"github.com/launchsim/launchsim-backend/internal/keyauth"
	"github.com/launchsim/launchsim-backend/internal/procedure"
	"github.com/launchsim/launchsim-backend/internal/store"
)

// Error taxonomy at the boundary: validation failures never reach the store,
// capability failures are 403, SessionNotFound is 404, stale-version and
// already-done conflicts are 409, and anything else is a store failure
// surfaced verbatim. No automatic retries anywhere; the user retries.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeErrorCode(w, http.StatusNotFound, "SessionNotFound", err.Error())
	case errors.Is(err, keyauth.ErrKeyLength),
		errors.Is(err, procedure.ErrBadMultiplier):
		writeErrorCode(w, http.StatusBadRequest, "ValidationFailed", err.Error())
	case errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrInvalidCredentials):
		writeErrorCode(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, identity.ErrEmailTaken):
		writeErrorCode(w, http.StatusConflict, "EmailTaken", err.Error())
	case errors.Is(err, procedure.ErrNotParticipant),
		errors.Is(err, procedure.ErrNotInstructor),
		errors.Is(err, procedure.ErrObserverCannotAct),
		errors.Is(err, keyauth.ErrNotOperator):
		writeErrorCode(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, procedure.ErrAlreadyInitialized),
		errors.Is(err, procedure.ErrNotInitialized),
		errors.Is(err, keyauth.ErrNotReady),
		errors.Is(err, store.ErrVersionConflict):
		writeErrorCode(w, http.StatusConflict, "Conflict", err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, "StoreWriteFailed", err.Error())
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErrorCode(w, http.StatusBadRequest, "ValidationFailed", msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
