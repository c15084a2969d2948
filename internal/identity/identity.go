// Package identity is the identity-provider boundary the core needs:
// sign-up, sign-in, sign-out, and resolving a bearer token to a stable user
// id. It is deliberately minimal; the session core only ever sees user ids.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid email or password")
var ErrEmailTaken = errors.New("email already registered")
var ErrInvalidToken = errors.New("invalid or expired token")

var errNotFound = errors.New("identity record not found")

type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex" json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Token struct {
	Value     string    `gorm:"primaryKey"`
	UserID    string    `gorm:"index"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// userStore is the persistence the provider needs; gorm and memory
// implementations live alongside.
type userStore interface {
	createUser(ctx context.Context, u *User) error
	userByEmail(ctx context.Context, email string) (User, error)
	userByID(ctx context.Context, id string) (User, error)
	saveToken(ctx context.Context, t *Token) error
	tokenByValue(ctx context.Context, value string) (Token, error)
	deleteToken(ctx context.Context, value string) error
}

type Service struct {
	users userStore
	ttl   time.Duration
	now   func() time.Time
}

func NewService(users userStore, ttl time.Duration) *Service {
	return &Service{users: users, ttl: ttl, now: time.Now}
}

// SignUp registers a user and signs them in. An empty display name defaults
// to the email's local part.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.users.userByEmail(ctx, email); err == nil {
		return User{}, "", ErrEmailTaken
	} else if !errors.Is(err, errNotFound) {
		return User{}, "", err
	}

	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, "", fmt.Errorf("hash password: %w", err)
	}

	u := User{
		ID:           newID(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.users.createUser(ctx, &u); err != nil {
		return User{}, "", err
	}
	token, err := s.issueToken(ctx, u.ID)
	if err != nil {
		return User{}, "", err
	}
	return u, token, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.userByEmail(ctx, email)
	if errors.Is(err, errNotFound) {
		return User{}, "", ErrInvalidCredentials
	}
	if err != nil {
		return User{}, "", err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return User{}, "", ErrInvalidCredentials
	}
	token, err := s.issueToken(ctx, u.ID)
	if err != nil {
		return User{}, "", err
	}
	return u, token, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.users.deleteToken(ctx, token)
}

// UserForToken resolves a bearer token to its user.
func (s *Service) UserForToken(ctx context.Context, token string) (User, error) {
	t, err := s.users.tokenByValue(ctx, token)
	if errors.Is(err, errNotFound) {
		return User{}, ErrInvalidToken
	}
	if err != nil {
		return User{}, err
	}
	if s.now().After(t.ExpiresAt) {
		_ = s.users.deleteToken(ctx, token)
		return User{}, ErrInvalidToken
	}
	u, err := s.users.userByID(ctx, t.UserID)
	if errors.Is(err, errNotFound) {
		return User{}, ErrInvalidToken
	}
	return u, err
}

func (s *Service) issueToken(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	t := Token{
		Value:     hex.EncodeToString(raw),
		UserID:    userID,
		ExpiresAt: s.now().Add(s.ttl),
		CreatedAt: s.now(),
	}
	if err := s.users.saveToken(ctx, &t); err != nil {
		return "", err
	}
	return t.Value, nil
}

func newID() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
