package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

const (
	MaxUsernameLength = 32
	MaxPasswordLength = 72 // bcrypt input limit, in bytes
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only letters, digits, underscores, or hyphens")
var ErrPasswordEmpty = errors.New("password must not be empty")
var ErrPasswordTooLong = fmt.Errorf("password must not exceed %d bytes", MaxPasswordLength)

// User represents a registered chat account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`

	// Messages is only populated by history-loading lookups.
	Messages []Message `json:"messages,omitempty"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword rejects empty and over-long passwords. Any other content is
// accepted as-is.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// UsernameKey returns the case-folded form of a username used for uniqueness
// and lookups, so "Alice" and "alice" name the same account.
func UsernameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// SameUsername reports whether two usernames identify the same account.
func SameUsername(a, b string) bool {
	return UsernameKey(a) == UsernameKey(b)
}
