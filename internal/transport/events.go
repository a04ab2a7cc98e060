package transport

import (
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-chatsync/internal/pubsub"
)

type ConnectedEvent struct {
	ConnectionId string
	UserId       string
	// Reconnect is true when this identity has been connected before on this
	// manager.
	Reconnect bool
}

type DisconnectedEvent struct {
	ConnectionId string
	UserId       string
	Reason       string
	WillRetry    bool
}

type ConnectErrorEvent struct {
	UserId    string
	Attempt   int
	Err       error
	WillRetry bool
	RetryIn   time.Duration
}

// Events holds one topic per event kind. Listeners run on the connection's
// read loop, in the order frames arrive.
type Events struct {
	Connected    *pubsub.Topic[ConnectedEvent]
	Disconnected *pubsub.Topic[DisconnectedEvent]
	ConnectError *pubsub.Topic[ConnectErrorEvent]
	NewMessage   *pubsub.Topic[NewMessage]
	MessageSent  *pubsub.Topic[MessageSent]
	UserTyping   *pubsub.Topic[UserTyping]
	MessagesRead *pubsub.Topic[MessagesRead]
}

func NewEvents(logger *log.Logger) *Events {
	return &Events{
		Connected:    pubsub.NewTopic[ConnectedEvent]("connected", logger),
		Disconnected: pubsub.NewTopic[DisconnectedEvent]("disconnected", logger),
		ConnectError: pubsub.NewTopic[ConnectErrorEvent]("connect_error", logger),
		NewMessage:   pubsub.NewTopic[NewMessage](EventNewMessage, logger),
		MessageSent:  pubsub.NewTopic[MessageSent](EventMessageSent, logger),
		UserTyping:   pubsub.NewTopic[UserTyping](EventUserTyping, logger),
		MessagesRead: pubsub.NewTopic[MessagesRead](EventMessagesRead, logger),
	}
}

// Dispatch decodes env and publishes it on the matching topic.
func (e *Events) Dispatch(env Envelope) error {
	switch env.Event {
	case EventNewMessage:
		v, err := decode[NewMessage](env.Data)
		if err != nil {
			return err
		}
		e.NewMessage.Publish(v)
	case EventMessageSent:
		v, err := decode[MessageSent](env.Data)
		if err != nil {
			return err
		}
		e.MessageSent.Publish(v)
	case EventUserTyping:
		v, err := decode[UserTyping](env.Data)
		if err != nil {
			return err
		}
		e.UserTyping.Publish(v)
	case EventMessagesRead:
		v, err := decode[MessagesRead](env.Data)
		if err != nil {
			return err
		}
		e.MessagesRead.Publish(v)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	return nil
}
