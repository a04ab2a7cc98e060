// Package registry keeps the local identity's conversation list and its
// unread counts in step with REST loads and live events.
package registry

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const seenCapacity = 1024

type ConversationSource interface {
	ListConversations(ctx context.Context) ([]types.ConversationSummary, error)
	CreateConversation(ctx context.Context, businessId string) (types.ConversationSummary, error)
}

// Snapshot is the registry state published after every mutation.
type Snapshot struct {
	Conversations []types.ConversationSummary
	UnreadTotal   int
}

type Registry struct {
	log      *log.Logger
	identity string
	source   ConversationSource

	mu            sync.Mutex
	conversations []types.ConversationSummary
	unreadTotal   int
	loadGen       uint64
	loaded        bool
	seen          *seenSet

	// liveDuringLoad holds messages applied while a LoadAll is in flight;
	// nil when no load is running.
	liveDuringLoad []types.Message

	Changes *pubsub.Topic[Snapshot]
}

func New(logger *log.Logger, identity string, source ConversationSource) *Registry {
	return &Registry{
		log:      logger,
		identity: identity,
		source:   source,
		seen:     newSeenSet(seenCapacity),
		Changes:  pubsub.NewTopic[Snapshot]("registry", logger),
	}
}

// LoadAll replaces the conversation list with the server's. Messages applied
// while the request was in flight are applied again on top of the result. If
// another LoadAll starts before this one returns, this result is discarded.
func (r *Registry) LoadAll(ctx context.Context) error {
	r.mu.Lock()
	r.loadGen++
	gen := r.loadGen
	if r.liveDuringLoad == nil {
		r.liveDuringLoad = []types.Message{}
	}
	r.mu.Unlock()

	conversations, err := r.source.ListConversations(ctx)
	if err != nil {
		r.mu.Lock()
		if gen == r.loadGen {
			r.liveDuringLoad = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("load conversations: %w", err)
	}

	r.mu.Lock()
	if gen != r.loadGen {
		r.mu.Unlock()
		r.log.Printf("discarding superseded conversation load")
		return nil
	}

	r.conversations = make([]types.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		r.conversations = append(r.conversations, c)
	}
	loadedAt := make(map[string]*time.Time, len(r.conversations))
	for _, c := range r.conversations {
		loadedAt[c.Id] = c.LastMessageAt
	}
	for _, msg := range r.liveDuringLoad {
		i := r.indexLocked(msg.ConversationId)
		if i < 0 {
			continue
		}
		// already counted by the server
		if last := loadedAt[msg.ConversationId]; last != nil && !msg.CreatedAt.After(*last) {
			continue
		}
		r.applyLocked(i, msg)
	}
	r.liveDuringLoad = nil
	r.sortLocked()
	r.recomputeLocked()
	r.loaded = true
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.Changes.Publish(snap)
	return nil
}

// ApplyIncomingMessage records msg against its conversation. It returns false
// when the conversation is unknown, in which case nothing changes.
func (r *Registry) ApplyIncomingMessage(msg types.Message) bool {
	r.mu.Lock()
	i := r.indexLocked(msg.ConversationId)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	if !r.seen.add(msg.Id) {
		r.mu.Unlock()
		return true
	}

	r.applyLocked(i, msg)
	if r.liveDuringLoad != nil {
		r.liveDuringLoad = append(r.liveDuringLoad, msg)
	}

	r.sortLocked()
	r.recomputeLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.Changes.Publish(snap)
	return true
}

// ApplyReadReceipt clears a conversation's unread count when the local
// identity read it. Receipts from other users change nothing here.
func (r *Registry) ApplyReadReceipt(conversationId, actingUserId string) bool {
	if actingUserId != r.identity {
		return false
	}

	r.mu.Lock()
	i := r.indexLocked(conversationId)
	if i < 0 {
		r.mu.Unlock()
		return false
	}

	r.conversations[i].UnreadCount = 0
	r.recomputeLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.Changes.Publish(snap)
	return true
}

// CreateOrAttach creates a conversation with businessId, or returns the
// existing one. A conversation not yet listed is put first.
func (r *Registry) CreateOrAttach(ctx context.Context, businessId string) (types.ConversationSummary, error) {
	if businessId == "" {
		return types.ConversationSummary{}, fmt.Errorf("business id cannot be empty")
	}

	conv, err := r.source.CreateConversation(ctx, businessId)
	if err != nil {
		return types.ConversationSummary{}, fmt.Errorf("create conversation: %w", err)
	}

	r.mu.Lock()
	if i := r.indexLocked(conv.Id); i >= 0 {
		existing := r.conversations[i]
		r.mu.Unlock()
		return existing, nil
	}

	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	r.conversations = slices.Insert(r.conversations, 0, conv)
	r.recomputeLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.Changes.Publish(snap)
	return conv, nil
}

func (r *Registry) Conversations() []types.ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.conversations)
}

func (r *Registry) Get(conversationId string) (types.ConversationSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(conversationId)
	if i < 0 {
		return types.ConversationSummary{}, false
	}
	return r.conversations[i], true
}

func (r *Registry) UnreadTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unreadTotal
}

// Loaded reports whether a LoadAll has completed.
func (r *Registry) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// applyLocked updates the preview unless msg is older than it, and counts
// msg as unread when someone else sent it.
func (r *Registry) applyLocked(i int, msg types.Message) {
	c := &r.conversations[i]
	if c.LastMessageAt == nil || !msg.CreatedAt.Before(*c.LastMessageAt) {
		at := msg.CreatedAt
		c.LastMessageAt = &at
		c.LastMessageText = msg.Text
	}
	if msg.SenderId != r.identity {
		c.UnreadCount++
	}
}

func (r *Registry) indexLocked(conversationId string) int {
	return slices.IndexFunc(r.conversations, func(c types.ConversationSummary) bool {
		return c.Id == conversationId
	})
}

// sortLocked orders by last activity, most recent first. Conversations
// without messages go last.
func (r *Registry) sortLocked() {
	slices.SortStableFunc(r.conversations, func(a, b types.ConversationSummary) int {
		return b.LastActivity().Compare(a.LastActivity())
	})
}

// recomputeLocked sums unread counts over the whole list; the total is never
// adjusted incrementally.
func (r *Registry) recomputeLocked() {
	total := 0
	for _, c := range r.conversations {
		total += c.UnreadCount
	}
	r.unreadTotal = total
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Conversations: slices.Clone(r.conversations),
		UnreadTotal:   r.unreadTotal,
	}
}

// seenSet remembers the most recent message ids, evicting the oldest.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}

	if len(s.order) < cap(s.order) {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % len(s.order)
	}
	s.ids[id] = struct{}{}
	return true
}
