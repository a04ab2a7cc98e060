package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionInfo describes the live connection of a manager.
type ConnectionInfo struct {
	Id            string
	OwnerId       string
	State         State
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// conn is one dialled websocket session. A reconnect always builds a new conn.
type conn struct {
	id          string
	ownerId     string
	ws          *websocket.Conn
	log         *log.Logger
	opts        Options
	connectedAt time.Time
	heartbeat   atomic.Int64
	send        chan []byte
	stop        chan struct{}
	stopOnce    sync.Once
}

func newConn(ws *websocket.Conn, ownerId string, opts Options, l *log.Logger) *conn {
	c := &conn{
		id:          uuid.NewString(),
		ownerId:     ownerId,
		ws:          ws,
		log:         l,
		opts:        opts,
		connectedAt: time.Now(),
		send:        make(chan []byte, opts.SendBufferSize),
		stop:        make(chan struct{}),
	}
	c.heartbeat.Store(c.connectedAt.UnixNano())
	return c
}

func (c *conn) write() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(websocket.TextMessage, frame) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *conn) writeFrame(msgType int, frame []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))

	if err := c.ws.WriteMessage(msgType, frame); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write: %v", err)
		}
		return false
	}

	return true
}

// read blocks until the connection fails or ctx is cancelled, handing every
// frame to handle in arrival order.
func (c *conn) read(ctx context.Context, handle func([]byte)) error {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.heartbeat.Store(time.Now().UnixNano())
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		handle(raw)
	}
}

func (c *conn) queue(frame []byte) error {
	select {
	case <-c.stop:
		return ErrNotConnected
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// close stops the write pump and closes the socket, sending a close frame
// first when the peer is still reachable.
func (c *conn) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		c.ws.Close()
	})
}

func (c *conn) info(state State) ConnectionInfo {
	return ConnectionInfo{
		Id:            c.id,
		OwnerId:       c.ownerId,
		State:         state,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: time.Unix(0, c.heartbeat.Load()),
	}
}
