// Package datastore persists linechat accounts and chat history.
//
// Two providers implement DataStore: SQLStore (SQLite by default, PostgreSQL
// optionally) and MemoryStore for tests.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
)

var (
	// ErrUsernameTaken is returned by CreateUser when the case-folded username
	// already exists.
	ErrUsernameTaken = errors.New("datastore: username already taken")
	// ErrUnknownUser is returned by SaveMessage when the owning user does not exist.
	ErrUnknownUser = errors.New("datastore: unknown user")
)

// DataStore defines the persistence interface for users and messages.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider

	// Close releases the underlying storage connection.
	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type UserReadProvider interface {
	// GetUserByUsername looks a user up case-insensitively. Returns (nil, nil) if not found.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// GetUserWithMessages is GetUserByUsername with the user's messages attached,
	// oldest first, fetched in a single retrieval. Returns (nil, nil) if not found.
	GetUserWithMessages(ctx context.Context, username string) (*model.User, error)
	// ListUsers returns all users ordered by ID.
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser inserts a user and returns it with the assigned ID. A duplicate
	// username yields ErrUsernameTaken.
	CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error)
}

type MessageReadProvider interface {
	// MessagesByUser returns a user's messages ordered by timestamp, ties broken
	// by insertion order.
	MessagesByUser(ctx context.Context, userID int64) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// SaveMessage appends one message and returns it with the assigned ID.
	SaveMessage(ctx context.Context, userID int64, text string, at time.Time) (*model.Message, error)
}

// storedTime normalizes a timestamp to the precision every provider persists.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
