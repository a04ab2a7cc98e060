package types

import (
	"errors"
	"time"
)

const (
	MessageTypeText = "text"
)

type Business struct {
	Id      string `json:"business_id"`
	Name    string `json:"business_name"`
	LogoURL string `json:"business_logo,omitempty"`
}

type ConversationSummary struct {
	Id              string     `json:"id"`
	CustomerId      string     `json:"customer_id"`
	Business        Business   `json:"business"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	LastMessageText string     `json:"last_message_text,omitempty"`
	UnreadCount     int        `json:"unread_count"`
}

// LastActivity returns the time the conversation is ordered by. Conversations
// without messages sort as if their last message was sent at the Unix epoch.
func (c ConversationSummary) LastActivity() time.Time {
	if c.LastMessageAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *c.LastMessageAt
}

type Message struct {
	Id             string     `json:"id"`
	ConversationId string     `json:"conversation_id"`
	SenderId       string     `json:"sender_id"`
	Text           string     `json:"message_text"`
	Type           string     `json:"message_type"`
	CreatedAt      time.Time  `json:"created_at"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

var (
	ErrMissingMessageId      = errors.New("message id is empty")
	ErrMissingConversationId = errors.New("conversation id is empty")
	ErrMissingSenderId       = errors.New("sender id is empty")
)

func (m Message) Validate() error {
	switch {
	case m.Id == "":
		return ErrMissingMessageId
	case m.ConversationId == "":
		return ErrMissingConversationId
	case m.SenderId == "":
		return ErrMissingSenderId
	}
	return nil
}

// Before reports whether m sorts before o on the timeline merge key.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Id < o.Id
}

// MessagePage is a single page of conversation history, newest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}
