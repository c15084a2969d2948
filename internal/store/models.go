package store

import "time"

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
)

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleOperatorA  Role = "operator_a"
	RoleOperatorB  Role = "operator_b"
	RoleObserver   Role = "observer"
)

type KeyAuthStatus string

const (
	KeyAuthPending  KeyAuthStatus = "pending"
	KeyAuthPartial  KeyAuthStatus = "partial"
	KeyAuthComplete KeyAuthStatus = "complete"
)

// Subsystem is one entry of the SystemState subsystem map.
type Subsystem struct {
	Status string  `json:"status"`
	Value  float64 `json:"value"`
}

// SystemState is the procedure-progress blob embedded in a session. Every
// view reads it, any permitted action mutates it. Happy-path fields fill in
// forward; the admin/fault fields may flip at any time.
type SystemState struct {
	Initialized        bool                 `json:"initialized"`
	DiagnosticsPassed  bool                 `json:"diagnosticsPassed"`
	Authenticated      bool                 `json:"authenticated"`
	Armed              bool                 `json:"armed"`
	CountdownActive    bool                 `json:"countdownActive"`
	CountdownAbortable bool                 `json:"countdownAbortable"`
	CountdownSeconds   int                  `json:"countdownSeconds"`
	SystemLocked       bool                 `json:"systemLocked"`
	LockType           *string              `json:"lockType"`
	SystemHold         bool                 `json:"systemHold"`
	FaultInjected      bool                 `json:"faultInjected"`
	AdminForcedOutcome *string              `json:"adminForcedOutcome"`
	ActiveScenario     *string              `json:"activeScenario"`
	Subsystems         map[string]Subsystem `json:"subsystems"`
	DelayMultiplier    float64              `json:"delayMultiplier"`
	LatencyEnabled     bool                 `json:"latencyEnabled"`
}

func NewSystemState() SystemState {
	return SystemState{
		CountdownSeconds: 60,
		DelayMultiplier:  1.0,
		Subsystems:       map[string]Subsystem{},
	}
}

// Session is one training exercise instance. Version is the optimistic
// concurrency token checked by UpdateSessionState; CurrentStep only moves
// forward.
type Session struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	Code        string        `gorm:"uniqueIndex" json:"code"`
	CreatorID   string        `json:"creator_id"`
	Status      SessionStatus `json:"status"`
	CurrentStep int           `json:"current_step"`
	RunID       string        `json:"run_id"`
	SystemState SystemState   `gorm:"serializer:json" json:"system_state"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Participant is a session membership row. The composite key keeps a user
// from appearing twice in one session.
type Participant struct {
	SessionID  string    `gorm:"primaryKey" json:"session_id"`
	UserID     string    `gorm:"primaryKey" json:"user_id"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Event is an append-only audit log entry. UserID is nil for
// system-generated events.
type Event struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	SessionID string         `gorm:"index" json:"session_id"`
	UserID    *string        `json:"user_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `gorm:"serializer:json" json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// KeyAuthorization holds the dual-control key submissions for a session.
// The latest row by creation time acts as current; Status is derived from
// the operator timestamps and never regresses.
type KeyAuthorization struct {
	ID              string        `gorm:"primaryKey" json:"id"`
	SessionID       string        `gorm:"index" json:"session_id"`
	OperatorAKey    *string       `json:"operator_a_key"`
	OperatorAAuthAt *time.Time    `json:"operator_a_auth_at"`
	OperatorBKey    *string       `json:"operator_b_key"`
	OperatorBAuthAt *time.Time    `json:"operator_b_auth_at"`
	CommandKey      *string       `json:"command_key"`
	CommandAuthAt   *time.Time    `json:"command_auth_at"`
	Status          KeyAuthStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
