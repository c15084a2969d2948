package procedure

import (
	"errors"

	"github.com/launchsim/launchsim-backend/internal/store"
)

var ErrObserverCannotAct = errors.New("observers cannot trigger steps")
var ErrNotInstructor = errors.New("instructor role required")
var ErrAlreadyInitialized = errors.New("session already initialized")
var ErrNotInitialized = errors.New("session not initialized")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrBadMultiplier = errors.New("delay multiplier must be >= 0")

type CommandType string

const (
	CmdInitialize        CommandType = "Initialize"
	CmdDiagnosticsResult CommandType = "DiagnosticsResult"
	CmdAuthComplete      CommandType = "AuthComplete"
	CmdAdminOverride     CommandType = "AdminOverride"
)

// AdminPatch mutates the forward-compatible procedure fields directly. nil
// leaves a field unchanged; an empty string clears a nullable one. There is
// no gating or ordering among these fields.
type AdminPatch struct {
	Armed              *bool                      `json:"armed,omitempty"`
	CountdownActive    *bool                      `json:"countdown_active,omitempty"`
	CountdownAbortable *bool                      `json:"countdown_abortable,omitempty"`
	CountdownSeconds   *int                       `json:"countdown_seconds,omitempty"`
	SystemLocked       *bool                      `json:"system_locked,omitempty"`
	LockType           *string                    `json:"lock_type,omitempty"`
	SystemHold         *bool                      `json:"system_hold,omitempty"`
	FaultInjected      *bool                      `json:"fault_injected,omitempty"`
	AdminForcedOutcome *string                    `json:"admin_forced_outcome,omitempty"`
	ActiveScenario     *string                    `json:"active_scenario,omitempty"`
	DelayMultiplier    *float64                   `json:"delay_multiplier,omitempty"`
	LatencyEnabled     *bool                      `json:"latency_enabled,omitempty"`
	Subsystems         map[string]store.Subsystem `json:"subsystems,omitempty"`
}

type Command struct {
	Type   CommandType
	Actor  store.Role
	Passed bool       // DiagnosticsResult
	Patch  AdminPatch // AdminOverride
}

type EventType string

const (
	EvtSessionInitialized EventType = "session_initialized"
	EvtDiagnosticsPassed  EventType = "diagnostics_passed"
	EvtDiagnosticsFailed  EventType = "diagnostics_failed"
	EvtDualKeyComplete    EventType = "dual_key_authentication_complete"
	EvtAdminOverride      EventType = "admin_override"
)

type Event struct {
	Type    EventType
	Payload map[string]any
}

// Steps on the happy path. current_step only moves forward, so every
// transition advances with maxStep.
const (
	StepInitialized   = 1
	StepDiagnostics   = 2
	StepAuthenticated = 3
)

// Apply runs one command against a session copy and returns the events it
// produced plus the new session value. The caller persists the result; Apply
// itself never touches the store.
func Apply(s store.Session, cmd Command) ([]Event, store.Session, error) {
	newSession := s

	switch cmd.Type {
	case CmdInitialize:
		if cmd.Actor == store.RoleObserver {
			return nil, s, ErrObserverCannotAct
		}
		if s.SystemState.Initialized {
			return nil, s, ErrAlreadyInitialized
		}
		newSession.SystemState.Initialized = true
		newSession.CurrentStep = maxStep(s.CurrentStep, StepInitialized)
		newSession.Status = store.StatusActive
		events := []Event{{Type: EvtSessionInitialized, Payload: map[string]any{"step": newSession.CurrentStep}}}
		return events, newSession, nil

	case CmdDiagnosticsResult:
		if cmd.Actor == store.RoleObserver {
			return nil, s, ErrObserverCannotAct
		}
		if !s.SystemState.Initialized {
			return nil, s, ErrNotInitialized
		}
		if !cmd.Passed {
			// Failure leaves the session untouched; the action stays repeatable.
			return []Event{{Type: EvtDiagnosticsFailed}}, s, nil
		}
		newSession.SystemState.DiagnosticsPassed = true
		newSession.CurrentStep = maxStep(s.CurrentStep, StepDiagnostics)
		events := []Event{{Type: EvtDiagnosticsPassed, Payload: map[string]any{"step": newSession.CurrentStep}}}
		return events, newSession, nil

	case CmdAuthComplete:
		if !s.SystemState.DiagnosticsPassed {
			return nil, s, ErrNotInitialized
		}
		newSession.SystemState.Authenticated = true
		newSession.CurrentStep = maxStep(s.CurrentStep, StepAuthenticated)
		events := []Event{{Type: EvtDualKeyComplete, Payload: map[string]any{"step": newSession.CurrentStep}}}
		return events, newSession, nil

	case CmdAdminOverride:
		if cmd.Actor != store.RoleInstructor {
			return nil, s, ErrNotInstructor
		}
		changed, err := applyPatch(&newSession.SystemState, cmd.Patch)
		if err != nil {
			return nil, s, err
		}
		if len(changed) == 0 {
			return nil, s, nil
		}
		events := []Event{{Type: EvtAdminOverride, Payload: map[string]any{"fields": changed}}}
		return events, newSession, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func applyPatch(st *store.SystemState, p AdminPatch) ([]string, error) {
	if p.DelayMultiplier != nil && *p.DelayMultiplier < 0 {
		return nil, ErrBadMultiplier
	}

	var changed []string
	setBool := func(name string, dst *bool, src *bool) {
		if src != nil {
			*dst = *src
			changed = append(changed, name)
		}
	}
	// Empty string clears the nullable discriminators.
	setNullable := func(name string, dst **string, src *string) {
		if src == nil {
			return
		}
		if *src == "" {
			*dst = nil
		} else {
			v := *src
			*dst = &v
		}
		changed = append(changed, name)
	}

	setBool("armed", &st.Armed, p.Armed)
	setBool("countdownActive", &st.CountdownActive, p.CountdownActive)
	setBool("countdownAbortable", &st.CountdownAbortable, p.CountdownAbortable)
	setBool("systemLocked", &st.SystemLocked, p.SystemLocked)
	setBool("systemHold", &st.SystemHold, p.SystemHold)
	setBool("faultInjected", &st.FaultInjected, p.FaultInjected)
	setBool("latencyEnabled", &st.LatencyEnabled, p.LatencyEnabled)
	setNullable("lockType", &st.LockType, p.LockType)
	setNullable("adminForcedOutcome", &st.AdminForcedOutcome, p.AdminForcedOutcome)
	setNullable("activeScenario", &st.ActiveScenario, p.ActiveScenario)

	if p.CountdownSeconds != nil {
		st.CountdownSeconds = *p.CountdownSeconds
		changed = append(changed, "countdownSeconds")
	}
	if p.DelayMultiplier != nil {
		st.DelayMultiplier = *p.DelayMultiplier
		changed = append(changed, "delayMultiplier")
	}
	if len(p.Subsystems) > 0 {
		if st.Subsystems == nil {
			st.Subsystems = map[string]store.Subsystem{}
		}
		for name, sub := range p.Subsystems {
			st.Subsystems[name] = sub
		}
		changed = append(changed, "subsystems")
	}
	// Releasing a lock drops its discriminator with it.
	if p.SystemLocked != nil && !*p.SystemLocked && p.LockType == nil {
		st.LockType = nil
	}
	return changed, nil
}

func maxStep(cur, to int) int {
	if to > cur {
		return to
	}
	return cur
}
