// Package session is the entry point a host application uses: it wires the
// transport's live events into the conversation registry, the open
// timelines and the typing coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/registry"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/npezzotti/go-chatsync/internal/typing"
	"github.com/npezzotti/go-chatsync/internal/types"
)

var (
	ErrEmptyMessage        = errors.New("message text cannot be empty")
	ErrConversationNotOpen = errors.New("conversation is not open")
)

// Transport is the part of transport.ConnectionManager a session uses.
type Transport interface {
	Connect(identity string) error
	Disconnect()
	Events() *transport.Events
	JoinConversation(conversationId string) error
	LeaveConversation(conversationId string) error
	SendMessage(conversationId, text string) error
	MarkRead(conversationId string) error
	Typing(conversationId string, isTyping bool) error
}

// API is the part of api.Client a session uses.
type API interface {
	registry.ConversationSource
	timeline.MessageSource
	MarkRead(ctx context.Context, conversationId string) error
}

// UnknownPolicy decides what happens when a live message arrives for a
// conversation the registry doesn't know.
type UnknownPolicy int

const (
	// ReloadOnUnknown reloads the conversation list in the background.
	// Reloads requested while one is running are coalesced into one more.
	ReloadOnUnknown UnknownPolicy = iota
	IgnoreUnknown
)

type Options struct {
	PageSize      int
	TypingTimeout time.Duration
	Unknown       UnknownPolicy
}

type Session struct {
	log       *log.Logger
	identity  string
	transport Transport
	api       API
	opts      Options
	registry  *registry.Registry
	typing    *typing.Coordinator
	subs      pubsub.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	open        map[string]*timeline.Timeline
	reloading   bool
	reloadAgain bool
	stopped     bool
}

func New(logger *log.Logger, identity string, t Transport, client API, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		log:       logger,
		identity:  identity,
		transport: t,
		api:       client,
		opts:      opts,
		registry:  registry.New(logger, identity, client),
		typing:    typing.New(logger, identity, t, opts.TypingTimeout),
		ctx:       ctx,
		cancel:    cancel,
		open:      make(map[string]*timeline.Timeline),
	}
}

func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) Registry() *registry.Registry {
	return s.registry
}

func (s *Session) Typing() *typing.Coordinator {
	return s.typing
}

// Start subscribes to transport events, connects and loads the conversation
// list. A load failure is returned but the connection stays up.
func (s *Session) Start(ctx context.Context) error {
	events := s.transport.Events()
	s.subs.Add(events.Connected.Subscribe(s.onConnected))
	s.subs.Add(events.Disconnected.Subscribe(s.onDisconnected))
	s.subs.Add(events.ConnectError.Subscribe(s.onConnectError))
	s.subs.Add(events.NewMessage.Subscribe(s.onNewMessage))
	s.subs.Add(events.MessageSent.Subscribe(s.onMessageSent))
	s.subs.Add(events.UserTyping.Subscribe(s.onUserTyping))
	s.subs.Add(events.MessagesRead.Subscribe(s.onMessagesRead))

	if err := s.transport.Connect(s.identity); err != nil {
		s.subs.Off()
		return fmt.Errorf("connect: %w", err)
	}

	return s.registry.LoadAll(ctx)
}

// Open joins a conversation and returns its timeline. Opening an already open
// conversation returns the same timeline without joining again.
func (s *Session) Open(conversationId string) *timeline.Timeline {
	s.mu.Lock()
	if tl, ok := s.open[conversationId]; ok {
		s.mu.Unlock()
		return tl
	}
	tl := timeline.New(conversationId, s.identity, s.api, s.opts.PageSize, s.log)
	s.open[conversationId] = tl
	s.mu.Unlock()

	// when offline the join happens on the next Connected event
	if err := s.transport.JoinConversation(conversationId); err != nil {
		s.log.Printf("join %s: %v", conversationId, err)
	}
	return tl
}

// Close leaves a conversation and drops its timeline and typing state.
func (s *Session) Close(conversationId string) {
	s.mu.Lock()
	_, ok := s.open[conversationId]
	delete(s.open, conversationId)
	s.mu.Unlock()

	if !ok {
		return
	}

	// typing:false goes out while still in the room
	s.typing.Leave(conversationId)
	if err := s.transport.LeaveConversation(conversationId); err != nil {
		s.log.Printf("leave %s: %v", conversationId, err)
	}
}

func (s *Session) Timeline(conversationId string) (*timeline.Timeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.open[conversationId]
	return tl, ok
}

// OpenConversations returns the ids of open conversations, sorted.
func (s *Session) OpenConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Send sends text to an open conversation and ends the local typing state.
// The message appears on the timeline once the server confirms it.
func (s *Session) Send(conversationId, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if _, ok := s.Timeline(conversationId); !ok {
		return ErrConversationNotOpen
	}

	err := s.transport.SendMessage(conversationId, text)
	// a failed send still ends the typing state
	s.typing.MessageSent(conversationId)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Session) KeyPressed(conversationId string) {
	s.typing.KeyPressed(conversationId)
}

// MarkRead marks a conversation read for the local identity. A conflict from
// the server means it was already read and counts as success.
func (s *Session) MarkRead(ctx context.Context, conversationId string) error {
	if err := s.api.MarkRead(ctx, conversationId); err != nil && !api.IsConflict(err) {
		return fmt.Errorf("mark read: %w", err)
	}

	if err := s.transport.MarkRead(conversationId); err != nil {
		s.log.Printf("mark_read %s: %v", conversationId, err)
	}

	s.registry.ApplyReadReceipt(conversationId, s.identity)
	if tl, ok := s.Timeline(conversationId); ok {
		tl.MarkOwnMessagesRead()
	}
	return nil
}

func (s *Session) CreateOrAttach(ctx context.Context, businessId string) (types.ConversationSummary, error) {
	return s.registry.CreateOrAttach(ctx, businessId)
}

// Stop leaves every open conversation, stops typing timers and background
// reloads, and disconnects. It must not be called from an event listener.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	open := s.open
	s.open = make(map[string]*timeline.Timeline)
	s.mu.Unlock()

	s.typing.Close()
	for id := range open {
		if err := s.transport.LeaveConversation(id); err != nil {
			s.log.Printf("leave %s: %v", id, err)
		}
	}

	s.subs.Off()
	s.cancel()
	s.wg.Wait()
	s.transport.Disconnect()
}

func (s *Session) onConnected(e transport.ConnectedEvent) {
	for _, id := range s.OpenConversations() {
		if err := s.transport.JoinConversation(id); err != nil {
			s.log.Printf("rejoin %s: %v", id, err)
		}
	}

	if e.Reconnect {
		s.requestReload()
	}
}

func (s *Session) onDisconnected(e transport.DisconnectedEvent) {
	s.log.Printf("disconnected (%s), retrying: %v", e.Reason, e.WillRetry)
}

func (s *Session) onConnectError(e transport.ConnectErrorEvent) {
	if !e.WillRetry {
		s.log.Printf("offline after %d attempts: %v", e.Attempt, e.Err)
	}
}

func (s *Session) onNewMessage(e transport.NewMessage) {
	known := s.registry.ApplyIncomingMessage(e.Message)

	if tl, ok := s.Timeline(e.ConversationId); ok {
		tl.IngestLive(e.Message)
	}

	if !known {
		s.handleUnknown(e.ConversationId)
	}
}

func (s *Session) onMessageSent(e transport.MessageSent) {
	if !e.Success {
		s.log.Printf("server rejected message")
		return
	}

	s.registry.ApplyIncomingMessage(e.Message)
	if tl, ok := s.Timeline(e.Message.ConversationId); ok {
		tl.IngestLive(e.Message)
	}
}

func (s *Session) onUserTyping(e transport.UserTyping) {
	s.typing.HandleUserTyping(e.ConversationId, e.UserId, e.IsTyping)
}

func (s *Session) onMessagesRead(e transport.MessagesRead) {
	s.registry.ApplyReadReceipt(e.ConversationId, e.UserId)

	tl, ok := s.Timeline(e.ConversationId)
	if !ok {
		return
	}
	if e.UserId == s.identity {
		tl.MarkOwnMessagesRead()
		return
	}
	tl.ApplyReadReceipt(e.UserId, time.Now())
}

func (s *Session) handleUnknown(conversationId string) {
	if s.opts.Unknown == IgnoreUnknown {
		s.log.Printf("ignoring message for unknown conversation %s", conversationId)
		return
	}

	s.log.Printf("message for unknown conversation %s, reloading", conversationId)
	s.requestReload()
}

func (s *Session) requestReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.reloading {
		s.reloadAgain = true
		return
	}
	s.reloading = true

	s.wg.Add(1)
	go s.reloadLoop()
}

func (s *Session) reloadLoop() {
	defer s.wg.Done()

	for {
		if err := s.registry.LoadAll(s.ctx); err != nil {
			s.log.Printf("reload conversations: %v", err)
		}

		s.mu.Lock()
		if !s.reloadAgain || s.ctx.Err() != nil {
			s.reloading = false
			s.reloadAgain = false
			s.mu.Unlock()
			return
		}
		s.reloadAgain = false
		s.mu.Unlock()
	}
}
