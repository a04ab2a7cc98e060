package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("decode %s payload: %v", e.Event, err)
	}
}

// WSServer is an in-process websocket peer. Frames received from clients
// are queued on Received in arrival order.
type WSServer struct {
	URL      string
	Received chan Envelope

	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool
	connects atomic.Int32

	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []http.Header
}

func NewWSServer(t *testing.T) *WSServer {
	s := &WSServer{
		Received: make(chan Envelope, 1024),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWs))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	t.Cleanup(s.Close)
	return s
}

func (s *WSServer) serveWs(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
	s.connects.Add(1)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		s.Received <- env
	}
}

// Reject makes subsequent upgrade requests fail with 503.
func (s *WSServer) Reject(reject bool) {
	s.reject.Store(reject)
}

func (s *WSServer) Connects() int {
	return int(s.connects.Load())
}

// Header returns the request headers of the n-th accepted connection.
func (s *WSServer) Header(n int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.headers) {
		return nil
	}
	return s.headers[n]
}

// Push writes an event to the most recent connection.
func (s *WSServer) Push(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.PushRaw(Envelope{Event: event, Data: raw})
}

func (s *WSServer) PushRaw(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.PushFrame(frame)
}

func (s *WSServer) PushFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conns) == 0 {
		return fmt.Errorf("no connections")
	}
	conn := s.conns[len(s.conns)-1]
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// DropAll closes every open connection without a close handshake.
func (s *WSServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Next returns the next frame received from any client.
func (s *WSServer) Next(t *testing.T, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-s.Received:
		return env
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for client frame")
		return Envelope{}
	}
}

// NextEvent skips frames until one with the given event arrives.
func (s *WSServer) NextEvent(t *testing.T, event string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-s.Received:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q frame", event)
			return Envelope{}
		}
	}
}

func (s *WSServer) Close() {
	s.DropAll()
	s.srv.Close()
}
