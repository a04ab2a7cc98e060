// Package timeline holds the ordered, duplicate-free message history of one
// open conversation, merged from REST pages and live events.
package timeline

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

const DefaultPageSize = 20

type MessageSource interface {
	GetMessages(ctx context.Context, conversationId string, page, limit int) (types.MessagePage, error)
}

// Change is published after the timeline's contents change.
type Change struct {
	ConversationId string
	Len            int
}

type Timeline struct {
	log            *log.Logger
	conversationId string
	identity       string
	source         MessageSource
	pageSize       int
	now            func() time.Time

	mu sync.Mutex
	// oldest first by (CreatedAt, Id)
	messages []types.Message
	ids      map[string]struct{}
	epoch    uint64
	// messages ingested live while a first-page load is in flight
	liveDuringLoad map[string]types.Message
	hasMore        bool
	lastPage       int
	total          int

	Changes *pubsub.Topic[Change]
}

func New(conversationId, identity string, source MessageSource, pageSize int, logger *log.Logger) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Timeline{
		log:            logger,
		conversationId: conversationId,
		identity:       identity,
		source:         source,
		pageSize:       pageSize,
		now:            time.Now,
		ids:            make(map[string]struct{}),
		Changes:        pubsub.NewTopic[Change]("timeline:"+conversationId, logger),
	}
}

func (t *Timeline) ConversationId() string {
	return t.conversationId
}

// LoadPage fetches page (1 is the newest). Page 1 replaces the timeline,
// keeping messages that arrived live while it was loading; later pages merge
// older history in. On error the timeline is left as it was.
func (t *Timeline) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("invalid page %d", page)
	}

	t.mu.Lock()
	if page == 1 {
		t.epoch++
		t.liveDuringLoad = make(map[string]types.Message)
	}
	epoch := t.epoch
	t.mu.Unlock()

	res, err := t.source.GetMessages(ctx, t.conversationId, page, t.pageSize)
	if err != nil {
		if page == 1 {
			t.mu.Lock()
			if epoch == t.epoch {
				t.liveDuringLoad = nil
			}
			t.mu.Unlock()
		}
		return fmt.Errorf("load page %d of %s: %w", page, t.conversationId, err)
	}

	incoming := t.validPage(res.Messages)

	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		t.log.Printf("%s: discarding page %d superseded by a reload", t.conversationId, page)
		return nil
	}

	if page == 1 {
		for _, m := range t.liveDuringLoad {
			incoming = append(incoming, m)
		}
		t.liveDuringLoad = nil
		t.messages = nil
		t.ids = make(map[string]struct{}, len(incoming))
	}
	for _, m := range incoming {
		t.insertLocked(m)
	}

	t.hasMore = len(res.Messages) >= t.pageSize
	t.lastPage = page
	t.total = res.Total
	change := Change{ConversationId: t.conversationId, Len: len(t.messages)}
	t.mu.Unlock()

	t.Changes.Publish(change)
	return nil
}

// LoadMore loads the page after the last one loaded. It is a no-op once the
// history is exhausted.
func (t *Timeline) LoadMore(ctx context.Context) error {
	t.mu.Lock()
	next := t.lastPage + 1
	more := t.hasMore || t.lastPage == 0
	t.mu.Unlock()

	if !more {
		return nil
	}
	return t.LoadPage(ctx, next)
}

func (t *Timeline) validPage(messages []types.Message) []types.Message {
	valid := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.ConversationId == "" {
			m.ConversationId = t.conversationId
		}
		if err := t.check(m); err != nil {
			t.log.Printf("%s: dropping history message: %v", t.conversationId, err)
			continue
		}
		valid = append(valid, m)
	}
	return valid
}

func (t *Timeline) check(m types.Message) error {
	if m.ConversationId != t.conversationId {
		return fmt.Errorf("message %q belongs to %q", m.Id, m.ConversationId)
	}
	return m.Validate()
}

// IngestLive adds a message received over the transport. It reports false
// when the message is already present or invalid.
func (t *Timeline) IngestLive(msg types.Message) bool {
	if msg.ConversationId == "" {
		msg.ConversationId = t.conversationId
	}
	if err := t.check(msg); err != nil {
		t.log.Printf("%s: dropping live message: %v", t.conversationId, err)
		return false
	}

	t.mu.Lock()
	if !t.insertLocked(msg) {
		t.mu.Unlock()
		return false
	}
	if t.liveDuringLoad != nil {
		t.liveDuringLoad[msg.Id] = msg
	}
	change := Change{ConversationId: t.conversationId, Len: len(t.messages)}
	t.mu.Unlock()

	t.Changes.Publish(change)
	return true
}

// insertLocked places m by its merge key unless its id is already present.
func (t *Timeline) insertLocked(m types.Message) bool {
	if _, ok := t.ids[m.Id]; ok {
		return false
	}

	i, _ := slices.BinarySearchFunc(t.messages, m, compare)
	t.messages = slices.Insert(t.messages, i, m)
	t.ids[m.Id] = struct{}{}
	return true
}

func compare(a, b types.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

// MarkOwnMessagesRead marks every unread message from other senders as read
// now, after the local identity read the conversation.
func (t *Timeline) MarkOwnMessagesRead() int {
	return t.markRead(func(m types.Message) bool { return m.SenderId != t.identity }, t.now())
}

// ApplyReadReceipt marks messages not sent by readerId as read at at.
func (t *Timeline) ApplyReadReceipt(readerId string, at time.Time) int {
	return t.markRead(func(m types.Message) bool { return m.SenderId != readerId }, at)
}

func (t *Timeline) markRead(match func(types.Message) bool, at time.Time) int {
	t.mu.Lock()
	n := 0
	for i := range t.messages {
		m := &t.messages[i]
		if m.IsRead || !match(*m) {
			continue
		}
		readAt := at
		m.IsRead = true
		m.ReadAt = &readAt
		n++
	}
	change := Change{ConversationId: t.conversationId, Len: len(t.messages)}
	t.mu.Unlock()

	if n > 0 {
		t.Changes.Publish(change)
	}
	return n
}

// Messages returns the timeline newest first.
func (t *Timeline) Messages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := slices.Clone(t.messages)
	slices.Reverse(out)
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *Timeline) Contains(messageId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[messageId]
	return ok
}

// HasMore reports whether the last loaded page was full.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Total is the server's message count from the last page loaded.
func (t *Timeline) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
