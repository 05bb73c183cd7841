// Package ultravox is a client for the hosted Ultravox voice service: a
// realtime data-message session attached to a live call, and a small REST
// client for creating calls.
//
// Audio flows between the browser and the provider directly; this client
// only observes the call's data messages (status, transcripts, end).
package ultravox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alexlistens/voicechat/internal/transcript"
)

// Event identifies a session notification. Notifications carry no payload;
// observers read the session's current fields when notified.
type Event string

const (
	EventStatus      Event = "status"
	EventTranscripts Event = "transcripts"
	EventEnd         Event = "end"
)

// Session is one attachment to a live voice call. Construct with NewSession,
// then JoinCall with a provider-issued join URL.
type Session struct {
	mu        sync.RWMutex
	conn      *websocket.Conn
	status    string
	lines     map[int]transcript.Line
	listeners map[Event]map[int]func()
	nextID    int
	joined    bool

	closeOnce sync.Once
	endOnce   sync.Once
}

func NewSession() *Session {
	return &Session{
		status:    "disconnected",
		lines:     make(map[int]transcript.Line),
		listeners: make(map[Event]map[int]func()),
	}
}

// On registers an observer for an event and returns its unsubscribe
// function. Unsubscribing is idempotent.
func (s *Session) On(event Event, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[event] == nil {
		s.listeners[event] = make(map[int]func())
	}
	id := s.nextID
	s.nextID++
	s.listeners[event][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[event], id)
	}
}

// JoinCall dials the join URL and starts consuming data messages. The
// context bounds the dial only; the session then lives until LeaveCall or a
// provider-side end.
func (s *Session) JoinCall(ctx context.Context, joinURL string) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return fmt.Errorf("session already joined")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, joinURL, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("dial join url: %w", err)
	}
	s.conn = conn
	s.joined = true
	s.status = "connecting"
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// LeaveCall closes the session. The end notification still fires exactly
// once, from the read loop shutting down.
func (s *Session) LeaveCall() error {
	var retErr error
	s.closeOnce.Do(func() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
			retErr = conn.Close()
		}
	})
	return retErr
}

func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transcripts returns the cumulative transcript in ordinal order.
func (s *Session) Transcripts() []transcript.Line {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordinals := make([]int, 0, len(s.lines))
	for k := range s.lines {
		ordinals = append(ordinals, k)
	}
	sort.Ints(ordinals)

	out := make([]transcript.Line, 0, len(ordinals))
	for _, k := range ordinals {
		out = append(out, s.lines[k])
	}
	return out
}

type dataMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Ordinal int    `json:"ordinal"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		s.status = "disconnected"
		s.mu.Unlock()
		s.notify(EventStatus)
		s.endOnce.Do(func() { s.notify(EventEnd) })
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg dataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "state":
			s.mu.Lock()
			s.status = msg.State
			s.mu.Unlock()
			s.notify(EventStatus)
		case "transcript":
			s.mu.Lock()
			s.lines[msg.Ordinal] = transcript.Line{Speaker: msg.Speaker, Text: msg.Text}
			s.mu.Unlock()
			s.notify(EventTranscripts)
		case "call_ended":
			_ = conn.Close()
			return
		}
	}
}

// notify runs observers on the read loop goroutine so notifications are
// delivered in emission order.
func (s *Session) notify(event Event) {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.listeners[event]))
	for _, fn := range s.listeners[event] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
