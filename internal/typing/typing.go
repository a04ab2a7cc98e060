// Package typing tracks typing indicators: the local identity's outgoing
// signals and the remote users currently typing in each conversation.
package typing

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/debounce"
	"github.com/npezzotti/go-chatsync/internal/pubsub"
)

const DefaultTimeout = 3 * time.Second

// Signaler sends the local identity's typing state for a conversation.
type Signaler interface {
	Typing(conversationId string, isTyping bool) error
}

// Change reports a remote user starting or stopping typing.
type Change struct {
	ConversationId string
	UserId         string
	IsTyping       bool
}

type key struct {
	conversationId string
	userId         string
}

// localState is the local identity's typing state in one conversation.
// active is guarded by Coordinator.sendMu and tracks what was last signalled,
// which can lag the timer by one firing.
type localState struct {
	timer  *debounce.Debouncer
	active bool
}

type Coordinator struct {
	log      *log.Logger
	identity string
	signaler Signaler
	timeout  time.Duration

	// sendMu orders outgoing signals so a stop never overtakes its start.
	sendMu sync.Mutex

	mu     sync.Mutex
	local  map[string]*localState
	remote map[key]*debounce.Debouncer
	closed bool

	Changes *pubsub.Topic[Change]
}

func New(logger *log.Logger, identity string, signaler Signaler, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Coordinator{
		log:      logger,
		identity: identity,
		signaler: signaler,
		timeout:  timeout,
		local:    make(map[string]*localState),
		remote:   make(map[key]*debounce.Debouncer),
		Changes:  pubsub.NewTopic[Change]("typing", logger),
	}
}

// KeyPressed records local input. The first key press after idle sends
// typing:true; typing:false follows once input stops for the timeout.
func (c *Coordinator) KeyPressed(conversationId string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st, ok := c.local[conversationId]
	if !ok {
		st = c.newLocal(conversationId)
		c.local[conversationId] = st
	}
	st.timer.Trigger()
	c.mu.Unlock()

	if !st.active {
		st.active = true
		c.signal(conversationId, true)
	}
}

func (c *Coordinator) newLocal(conversationId string) *localState {
	st := &localState{}
	st.timer = debounce.New(c.timeout, func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()

		// re-armed by a key press that raced the timer
		if st.timer.Pending() || !st.active {
			return
		}
		st.active = false
		c.signal(conversationId, false)
	})
	return st
}

// MessageSent ends the local typing state right away.
func (c *Coordinator) MessageSent(conversationId string) {
	c.mu.Lock()
	st := c.local[conversationId]
	c.mu.Unlock()

	if st != nil {
		st.timer.Flush()
	}
}

// LocalActive reports whether the local identity is currently signalled as
// typing in the conversation.
func (c *Coordinator) LocalActive(conversationId string) bool {
	c.mu.Lock()
	st := c.local[conversationId]
	c.mu.Unlock()
	return st != nil && st.timer.Pending()
}

// HandleUserTyping applies a remote typing event. A true event expires after
// the timeout unless renewed; the local identity's own echo is ignored.
func (c *Coordinator) HandleUserTyping(conversationId, userId string, isTyping bool) {
	if userId == c.identity {
		return
	}

	k := key{conversationId: conversationId, userId: userId}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	d := c.remote[k]
	if isTyping {
		if d == nil {
			d = debounce.New(c.timeout, func() { c.expire(k) })
			c.remote[k] = d
		}
		wasTyping := d.Pending()
		d.Trigger()
		c.mu.Unlock()

		if !wasTyping {
			c.Changes.Publish(Change{ConversationId: conversationId, UserId: userId, IsTyping: true})
		}
		return
	}

	if d == nil {
		c.mu.Unlock()
		return
	}
	delete(c.remote, k)
	wasTyping := d.Cancel()
	c.mu.Unlock()

	if wasTyping {
		c.Changes.Publish(Change{ConversationId: conversationId, UserId: userId})
	}
}

func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	d := c.remote[k]
	if d == nil || d.Pending() {
		c.mu.Unlock()
		return
	}
	delete(c.remote, k)
	c.mu.Unlock()

	c.Changes.Publish(Change{ConversationId: k.conversationId, UserId: k.userId})
}

func (c *Coordinator) IsTyping(conversationId, userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.remote[key{conversationId: conversationId, userId: userId}]
	return d != nil && d.Pending()
}

// TypingUsers returns the remote users typing in the conversation, sorted.
func (c *Coordinator) TypingUsers(conversationId string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var users []string
	for k, d := range c.remote {
		if k.conversationId == conversationId && d.Pending() {
			users = append(users, k.userId)
		}
	}
	slices.Sort(users)
	return users
}

// Leave drops all typing state for a conversation, sending a final
// typing:false if the local identity was typing.
func (c *Coordinator) Leave(conversationId string) {
	c.mu.Lock()
	st := c.local[conversationId]
	delete(c.local, conversationId)
	cleared := c.clearRemoteLocked(func(k key) bool { return k.conversationId == conversationId })
	c.mu.Unlock()

	if st != nil {
		st.timer.Flush()
	}
	c.publishCleared(cleared)
}

// Close stops every timer. No signals are sent or published afterwards
// except the final typing:false for active local states.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	local := c.local
	c.local = make(map[string]*localState)
	cleared := c.clearRemoteLocked(func(key) bool { return true })
	c.mu.Unlock()

	for _, st := range local {
		st.timer.Flush()
	}
	c.publishCleared(cleared)
}

func (c *Coordinator) clearRemoteLocked(match func(key) bool) []key {
	var cleared []key
	for k, d := range c.remote {
		if !match(k) {
			continue
		}
		if d.Cancel() {
			cleared = append(cleared, k)
		}
		delete(c.remote, k)
	}
	return cleared
}

func (c *Coordinator) publishCleared(cleared []key) {
	for _, k := range cleared {
		c.Changes.Publish(Change{ConversationId: k.conversationId, UserId: k.userId})
	}
}

func (c *Coordinator) signal(conversationId string, isTyping bool) {
	if err := c.signaler.Typing(conversationId, isTyping); err != nil {
		c.log.Printf("typing %v for %s: %v", isTyping, conversationId, err)
	}
}
