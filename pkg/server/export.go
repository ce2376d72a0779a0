package server

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/linechat/pkg/datastore"
)

const exportTimeLayout = "2006-01-02T15:04:05Z"

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// MessageYAML represents one saved message in YAML export.
type MessageYAML struct {
	ID        int64  `yaml:"id"`
	Text      string `yaml:"text"`
	CreatedAt string `yaml:"created_at"`
}

// MessagesExport is the top-level YAML for a user's message export.
type MessagesExport struct {
	Username string        `yaml:"username"`
	Messages []MessageYAML `yaml:"messages"`
}

// HistoryReader is the storage needed to export a user's messages.
type HistoryReader interface {
	datastore.UserReadProvider
	datastore.MessageReadProvider
}

// ExportUsersYAML exports all users as YAML. Password hashes are never included.
func ExportUsersYAML(ctx context.Context, st datastore.UserReadProvider) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{Users: []UserYAML{}}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			CreatedAt: u.CreatedAt.UTC().Format(exportTimeLayout),
		})
	}
	return yaml.Marshal(&export)
}

// ExportMessagesYAML exports one user's messages, oldest first, as YAML.
func ExportMessagesYAML(ctx context.Context, st HistoryReader, username string) ([]byte, error) {
	user, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("server: export messages: no user %q", username)
	}
	messages, err := st.MessagesByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	export := MessagesExport{Username: user.Username, Messages: []MessageYAML{}}
	for _, m := range messages {
		export.Messages = append(export.Messages, MessageYAML{
			ID:        m.ID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.UTC().Format(exportTimeLayout),
		})
	}
	return yaml.Marshal(&export)
}
