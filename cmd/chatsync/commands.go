package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-chatsync/internal/registry"
	"github.com/npezzotti/go-chatsync/internal/session"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/npezzotti/go-chatsync/internal/typing"
)

const requestTimeout = 15 * time.Second

const usage = `commands:
  list                 conversations and unread counts
  open <id>            join a conversation and show recent messages
  more <id>            load older messages
  close <id>           leave a conversation
  send <id> <text>     send a message
  type <id>            signal a key press
  read <id>            mark a conversation read
  new <business-id>    start or resume a conversation with a business
  status               connection state
  quit`

// printer serializes terminal output from the command loop and event
// listeners.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) watch(sess *session.Session, manager *transport.ConnectionManager) {
	events := manager.Events()
	events.Connected.Subscribe(func(e transport.ConnectedEvent) {
		p.printf("* connected as %s", e.UserId)
	})
	events.ConnectError.Subscribe(func(e transport.ConnectErrorEvent) {
		if !e.WillRetry {
			p.printf("* offline: %v", e.Err)
		}
	})
	events.NewMessage.Subscribe(func(e transport.NewMessage) {
		p.printf("[%s] %s: %s", e.ConversationId, e.Message.SenderId, e.Message.Text)
	})
	sess.Registry().Changes.Subscribe(func(s registry.Snapshot) {
		p.printf("* %d unread", s.UnreadTotal)
	})
	sess.Typing().Changes.Subscribe(func(c typing.Change) {
		if c.IsTyping {
			p.printf("[%s] %s is typing...", c.ConversationId, c.UserId)
		}
	})
}

func (p *printer) messages(messages []types.Message) {
	// oldest at the bottom of the screen
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		read := ""
		if m.IsRead {
			read = " (read)"
		}
		p.printf("  %s %s: %s%s", m.CreatedAt.Local().Format(time.Kitchen), m.SenderId, m.Text, read)
	}
}

type commands struct {
	sess    *session.Session
	manager *transport.ConnectionManager
	out     *printer
}

// run executes one command line and reports whether the loop should go on.
func (c *commands) run(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cmd, args := fields[0], fields[1:]
	if cmd != "quit" && cmd != "list" && cmd != "status" && cmd != "help" && len(args) == 0 {
		c.out.printf("%s: missing argument", cmd)
		return true
	}

	switch cmd {
	case "quit":
		return false
	case "help":
		c.out.printf(usage)
	case "list":
		for _, conv := range c.sess.Registry().Conversations() {
			c.out.printf("  %s  %-20s %3d unread  %s", conv.Id, conv.Business.Name, conv.UnreadCount, conv.LastMessageText)
		}
		c.out.printf("  total unread: %d", c.sess.Registry().UnreadTotal())
	case "open":
		tl := c.sess.Open(args[0])
		if err := tl.LoadPage(ctx, 1); err != nil {
			c.out.printf("open: %v", err)
			return true
		}
		c.out.messages(tl.Messages())
	case "more":
		tl, ok := c.sess.Timeline(args[0])
		if !ok {
			c.out.printf("more: %v", session.ErrConversationNotOpen)
			return true
		}
		if !tl.HasMore() {
			c.out.printf("no older messages")
			return true
		}
		if err := tl.LoadMore(ctx); err != nil {
			c.out.printf("more: %v", err)
			return true
		}
		c.out.messages(tl.Messages())
	case "close":
		c.sess.Close(args[0])
	case "send":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "send"))
		text = strings.TrimSpace(strings.TrimPrefix(text, args[0]))
		if err := c.sess.Send(args[0], text); err != nil {
			c.out.printf("send: %v", err)
		}
	case "type":
		c.sess.KeyPressed(args[0])
	case "read":
		if err := c.sess.MarkRead(ctx, args[0]); err != nil {
			c.out.printf("read: %v", err)
		}
	case "new":
		conv, err := c.sess.CreateOrAttach(ctx, args[0])
		if err != nil {
			c.out.printf("new: %v", err)
			return true
		}
		c.out.printf("conversation %s with %s", conv.Id, conv.Business.Name)
	case "status":
		info, ok := c.manager.Connection()
		if !ok {
			c.out.printf("%s", c.manager.State())
			return true
		}
		c.out.printf("%s as %s, connection %s, last heartbeat %s",
			info.State, info.OwnerId, info.Id, info.LastHeartbeat.Format(time.RFC3339))
	default:
		c.out.printf("unknown command %q, try help", cmd)
	}

	return true
}
