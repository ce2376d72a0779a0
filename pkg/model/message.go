package model

import (
	"errors"
	"strings"
	"time"
)

// HistoryTimeLayout is the timestamp format used when replaying saved messages.
const HistoryTimeLayout = "2006-01-02 15:04:05"

var ErrMessageTextEmpty = errors.New("message text cannot be empty")

// Message is a persisted chat line. Messages are immutable once saved.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return ErrMessageTextEmpty
	}
	return nil
}

// HistoryLine renders the message the way it is replayed to its author.
func (m Message) HistoryLine() string {
	return "[" + m.CreatedAt.Local().Format(HistoryTimeLayout) + "] " + m.Text
}
