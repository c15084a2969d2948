package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store with the same semantics as the Postgres
// client. It backs the test suite and DB-less dev runs.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]Session
	parts    map[string]Participant // sessionID + "\x00" + userID
	events   []Event
	auths    []KeyAuthorization
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[string]Session{},
		parts:    map[string]Participant{},
	}
}

func partKey(sessionID, userID string) string { return sessionID + "\x00" + userID }

func cloneState(s SystemState) SystemState {
	out := s
	out.Subsystems = make(map[string]Subsystem, len(s.Subsystems))
	for k, v := range s.Subsystems {
		out.Subsystems[k] = v
	}
	return out
}

func cloneSession(s Session) Session {
	out := s
	out.SystemState = cloneState(s.SystemState)
	return out
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) GetSessionByCode(_ context.Context, code string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.ToUpper(code)
	for _, s := range m.sessions {
		if strings.ToUpper(s.Code) == want {
			return cloneSession(s), nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (m *Memory) ListSessions(_ context.Context, statuses []SessionStatus, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, cloneSession(s))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateSessionState(_ context.Context, id string, expectVersion int64, status SessionStatus, step int, state SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Version != expectVersion {
		return ErrVersionConflict
	}
	s.Status = status
	s.CurrentStep = step
	s.SystemState = cloneState(state)
	s.Version = expectVersion + 1
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	return nil
}

func (m *Memory) CreateParticipant(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[partKey(p.SessionID, p.UserID)] = *p
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, sessionID, userID string) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partKey(sessionID, userID)]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListParticipants(_ context.Context, sessionID string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Participant
	for _, p := range m.parts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) DeleteParticipant(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, partKey(sessionID, userID))
	return nil
}

func (m *Memory) TouchParticipant(_ context.Context, sessionID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partKey(sessionID, userID)]
	if !ok {
		return ErrNotFound
	}
	p.LastSeenAt = at
	m.parts[partKey(sessionID, userID)] = p
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, sessionID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateKeyAuthorization(_ context.Context, a *KeyAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	m.auths = append(m.auths, *a)
	return nil
}

func (m *Memory) LatestKeyAuthorization(_ context.Context, sessionID string) (KeyAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Insertion order breaks creation-time ties, so scan from the back.
	for i := len(m.auths) - 1; i >= 0; i-- {
		if m.auths[i].SessionID == sessionID {
			return m.auths[i], nil
		}
	}
	return KeyAuthorization{}, ErrNotFound
}

func (m *Memory) UpdateKeyAuthorization(_ context.Context, a *KeyAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.auths {
		if m.auths[i].ID == a.ID {
			a.UpdatedAt = time.Now()
			m.auths[i] = *a
			return nil
		}
	}
	return ErrNotFound
}
