// Package account authenticates and registers linechat users on top of a
// user repository and a password hasher.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/model"
)

// dummyPassword is hashed once at construction so lookups for unknown users
// spend the same verify cost as real ones.
const dummyPassword = "linechat-timing-equalizer"

// UserRepository is the subset of datastore.DataStore that Credentials needs.
type UserRepository interface {
	datastore.UserReadProvider
	datastore.UserWriteProvider
}

// Credentials is the credential store used by chat sessions.
//
// Failed authentication and taken usernames are reported as (nil, nil). A
// non-nil error always means the backing store failed or the input was invalid.
type Credentials struct {
	users     UserRepository
	hasher    crypto.Hasher
	dummyHash string
}

// New creates a Credentials store.
func New(users UserRepository, hasher crypto.Hasher) (*Credentials, error) {
	if users == nil || hasher == nil {
		return nil, errors.New("account: users and hasher are required")
	}
	dummy, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("account: dummy hash: %w", err)
	}
	return &Credentials{users: users, hasher: hasher, dummyHash: dummy}, nil
}

// Authenticate returns the user when password matches the stored hash.
func (c *Credentials) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	user, err := c.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("account: authenticate: %w", err)
	}
	return c.verified(user, password), nil
}

// LoadWithHistory is Authenticate with the user's messages attached, oldest
// first, read in a single store retrieval.
func (c *Credentials) LoadWithHistory(ctx context.Context, username, password string) (*model.User, error) {
	user, err := c.users.GetUserWithMessages(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("account: load with history: %w", err)
	}
	return c.verified(user, password), nil
}

func (c *Credentials) verified(user *model.User, password string) *model.User {
	if user == nil {
		c.hasher.Verify(password, c.dummyHash)
		return nil
	}
	if !c.hasher.Verify(password, user.PasswordHash) {
		return nil
	}
	return user
}

// Register hashes password and creates a new user. A username that is already
// taken (case-insensitively) yields (nil, nil). Invalid usernames or passwords
// return an error wrapping the model validation error.
func (c *Credentials) Register(ctx context.Context, username, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}

	hash, err := c.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}
	user, err := c.users.CreateUser(ctx, username, hash)
	if errors.Is(err, datastore.ErrUsernameTaken) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: register: %w", err)
	}
	return user, nil
}

// IsInvalidInput reports whether err came from username or password validation
// rather than from storage.
func IsInvalidInput(err error) bool {
	return errors.Is(err, model.ErrUsernameEmpty) ||
		errors.Is(err, model.ErrUsernameTooLong) ||
		errors.Is(err, model.ErrUsernameInvalidChars) ||
		errors.Is(err, model.ErrPasswordEmpty) ||
		errors.Is(err, model.ErrPasswordTooLong)
}
