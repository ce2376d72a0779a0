package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors the SQL providers' validation and error behavior.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextMessageID int64

	usersByID      map[int64]*model.User
	usersByKey     map[string]*model.User
	messagesByUser map[int64][]model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock for user creation times.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:            now,
		nextUserID:     1,
		nextMessageID:  1,
		usersByID:      make(map[int64]*model.User),
		usersByKey:     make(map[string]*model.User),
		messagesByUser: make(map[int64][]model.Message),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(_ context.Context, username, passwordHash string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create user: empty password hash")
	}

	key := model.UsernameKey(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByKey[key]; exists {
		return nil, ErrUsernameTaken
	}
	user := &model.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    storedTime(s.now()),
	}
	s.nextUserID++
	s.usersByID[user.ID] = user
	s.usersByKey[key] = user
	copyUser := *user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by case-folded username.
func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByKey[model.UsernameKey(username)]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// GetUserWithMessages returns the user with its messages attached, read under
// one lock so the pair is consistent.
func (s *MemoryStore) GetUserWithMessages(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByKey[model.UsernameKey(username)]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	copyUser.Messages = s.sortedMessagesLocked(user.ID)
	return &copyUser, nil
}

// ListUsers returns all users.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// SaveMessage appends a message for userID.
func (s *MemoryStore) SaveMessage(_ context.Context, userID int64, text string, at time.Time) (*model.Message, error) {
	m := model.Message{UserID: userID, Text: text, CreatedAt: storedTime(at)}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: message failed validation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByID[userID]; !ok {
		return nil, ErrUnknownUser
	}
	m.ID = s.nextMessageID
	s.nextMessageID++
	s.messagesByUser[userID] = append(s.messagesByUser[userID], m)
	return &m, nil
}

// MessagesByUser lists a user's messages oldest first.
func (s *MemoryStore) MessagesByUser(_ context.Context, userID int64) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedMessagesLocked(userID), nil
}

// sortedMessagesLocked copies a user's messages ordered by timestamp. The slice
// is kept in insertion order, so a stable sort breaks ties by insertion.
func (s *MemoryStore) sortedMessagesLocked(userID int64) []model.Message {
	stored := s.messagesByUser[userID]
	if len(stored) == 0 {
		return nil
	}
	out := make([]model.Message, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
