// Package authpw provides username/password credential handling.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"crisiswatch/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password, so callers cannot tell which half failed.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// PolicyError reports request data that fails the registration policy.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// UserStore defines the storage interface for credential handling.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// ValidateUsername requires at least 3 alphanumeric characters.
func ValidateUsername(username string) error {
	if len(username) < 3 {
		return &PolicyError{Reason: "Username must be at least 3 characters long."}
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return &PolicyError{Reason: "Username must be alphanumeric."}
		}
	}
	return nil
}

// ValidatePassword requires at least 8 characters including a literal '#'.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return &PolicyError{Reason: "Password must be at least 8 characters long."}
	}
	if !strings.Contains(password, "#") {
		return &PolicyError{Reason: "Password must contain at least one hashtag (#)."}
	}
	return nil
}

// Register creates a new user. Only the bcrypt hash is stored, never the
// plaintext.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	if err := ValidateUsername(username); err != nil {
		return store.User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return store.User{}, err
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, string(hash))
	if err != nil {
		// Two concurrent registrations can both pass the existence check;
		// the unique constraint decides the loser.
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Verify checks a username/password pair against the stored hash. The bcrypt
// comparison runs in constant time for a given hash.
func (s *Service) Verify(ctx context.Context, username, password string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
