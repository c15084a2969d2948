package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the Postgres-backed store client.
type DB struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the session tables.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Participant{}, &Event{}, &KeyAuthorization{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

// Gorm exposes the underlying handle so sibling packages (identity) can
// migrate their own tables against the same database.
func (d *DB) Gorm() *gorm.DB { return d.db }

func (d *DB) CreateSession(ctx context.Context, s *Session) error {
	if err := d.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := d.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (d *DB) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	var s Session
	err := d.db.WithContext(ctx).First(&s, "upper(code) = ?", strings.ToUpper(code)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session by code: %w", err)
	}
	return s, nil
}

func (d *DB) ListSessions(ctx context.Context, statuses []SessionStatus, limit int) ([]Session, error) {
	var out []Session
	err := d.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (d *DB) UpdateSessionState(ctx context.Context, id string, expectVersion int64, status SessionStatus, step int, state SystemState) error {
	res := d.db.WithContext(ctx).
		Model(&Session{ID: id}).
		Where("version = ?", expectVersion).
		Select("Status", "CurrentStep", "SystemState", "Version").
		Updates(Session{Status: status, CurrentStep: step, SystemState: state, Version: expectVersion + 1})
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (d *DB) CreateParticipant(ctx context.Context, p *Participant) error {
	if err := d.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	return nil
}

func (d *DB) GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error) {
	var p Participant
	err := d.db.WithContext(ctx).
		First(&p, "session_id = ? AND user_id = ?", sessionID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (d *DB) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	var out []Participant
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

func (d *DB) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	err := d.db.WithContext(ctx).
		Delete(&Participant{SessionID: sessionID, UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (d *DB) TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) error {
	err := d.db.WithContext(ctx).
		Model(&Participant{SessionID: sessionID, UserID: userID}).
		Update("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("touch participant: %w", err)
	}
	return nil
}

func (d *DB) AppendEvent(ctx context.Context, e *Event) error {
	if err := d.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (d *DB) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	var out []Event
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (d *DB) CreateKeyAuthorization(ctx context.Context, a *KeyAuthorization) error {
	if err := d.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create key authorization: %w", err)
	}
	return nil
}

func (d *DB) LatestKeyAuthorization(ctx context.Context, sessionID string) (KeyAuthorization, error) {
	var a KeyAuthorization
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KeyAuthorization{}, ErrNotFound
	}
	if err != nil {
		return KeyAuthorization{}, fmt.Errorf("latest key authorization: %w", err)
	}
	return a, nil
}

func (d *DB) UpdateKeyAuthorization(ctx context.Context, a *KeyAuthorization) error {
	if err := d.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("update key authorization: %w", err)
	}
	return nil
}
