package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// GormStore persists users and tokens next to the session tables.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&User{}, &Token{}); err != nil {
		return nil, fmt.Errorf("migrate identity: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) createUser(ctx context.Context, u *User) error {
	if err := g.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (g *GormStore) userByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := g.db.WithContext(ctx).First(&u, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by email: %w", err)
	}
	return u, nil
}

func (g *GormStore) userByID(ctx context.Context, id string) (User, error) {
	var u User
	err := g.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, errNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

func (g *GormStore) saveToken(ctx context.Context, t *Token) error {
	if err := g.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (g *GormStore) tokenByValue(ctx context.Context, value string) (Token, error) {
	var t Token
	err := g.db.WithContext(ctx).First(&t, "value = ?", value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, errNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("token by value: %w", err)
	}
	return t, nil
}

func (g *GormStore) deleteToken(ctx context.Context, value string) error {
	if err := g.db.WithContext(ctx).Delete(&Token{Value: value}).Error; err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// MemoryStore mirrors GormStore for tests and DB-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]User // by id
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]User{}, tokens: map[string]Token{}}
}

func (m *MemoryStore) createUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) userByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, errNotFound
}

func (m *MemoryStore) userByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, errNotFound
	}
	return u, nil
}

func (m *MemoryStore) saveToken(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Value] = *t
	return nil
}

func (m *MemoryStore) tokenByValue(_ context.Context, value string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return Token{}, errNotFound
	}
	return t, nil
}

func (m *MemoryStore) deleteToken(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, value)
	return nil
}
