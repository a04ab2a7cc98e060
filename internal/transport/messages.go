package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// Action names an outgoing event.
type Action string

const (
	ActionJoinUserRoom      Action = "join_user_room"
	ActionJoinConversation  Action = "join_conversation"
	ActionLeaveConversation Action = "leave_conversation"
	ActionSendMessage       Action = "send_message"
	ActionMarkRead          Action = "mark_read"
	ActionTyping            Action = "typing"
)

const (
	EventNewMessage   = "new_message"
	EventMessageSent  = "message_sent"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinUserRoom struct {
	UserId string `json:"userId"`
}

type JoinConversation struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type LeaveConversation struct {
	ConversationId string `json:"conversationId"`
}

type SendMessage struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	MessageText    string `json:"message_text"`
	MessageType    string `json:"message_type"`
}

type MarkRead struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type Typing struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type NewMessage struct {
	ConversationId string        `json:"conversationId"`
	Message        types.Message `json:"message"`
}

func (e *NewMessage) Validate() error {
	if e.ConversationId == "" {
		return types.ErrMissingConversationId
	}
	if e.Message.ConversationId == "" {
		e.Message.ConversationId = e.ConversationId
	}
	if e.Message.ConversationId != e.ConversationId {
		return fmt.Errorf("message belongs to %q, not %q", e.Message.ConversationId, e.ConversationId)
	}
	return e.Message.Validate()
}

// MessageSent confirms (or rejects) a message this identity sent.
type MessageSent struct {
	Success bool          `json:"success"`
	Message types.Message `json:"message"`
}

func (e *MessageSent) Validate() error {
	if !e.Success {
		return nil
	}
	return e.Message.Validate()
}

type UserTyping struct {
	UserId         string `json:"userId"`
	ConversationId string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

func (e *UserTyping) Validate() error {
	if e.UserId == "" {
		return fmt.Errorf("user id is empty")
	}
	if e.ConversationId == "" {
		return types.ErrMissingConversationId
	}
	return nil
}

type MessagesRead struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

func (e *MessagesRead) Validate() error {
	if e.ConversationId == "" {
		return types.ErrMissingConversationId
	}
	if e.UserId == "" {
		return fmt.Errorf("user id is empty")
	}
	return nil
}

func encode(action Action, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	return json.Marshal(Envelope{Event: string(action), Data: data})
}

type validator interface {
	Validate() error
}

func decode[T any, PT interface {
	*T
	validator
}](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := PT(&v).Validate(); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return v, nil
}
