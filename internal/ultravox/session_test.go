package ultravox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alexlistens/voicechat/internal/transcript"
)

func newProviderServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSessionStatusAndTranscripts(t *testing.T) {
	done := make(chan struct{})
	joinURL := newProviderServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "listening"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "ordinal": 0, "speaker": "user", "text": "hi"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "ordinal": 1, "speaker": "agent", "text": "hello"})
		<-done
	})

	s := NewSession()
	statusCh := make(chan struct{}, 8)
	transcriptsCh := make(chan struct{}, 8)
	s.On(EventStatus, func() { statusCh <- struct{}{} })
	s.On(EventTranscripts, func() { transcriptsCh <- struct{}{} })

	if err := s.JoinCall(context.Background(), joinURL); err != nil {
		t.Fatalf("JoinCall() error = %v", err)
	}
	defer func() {
		close(done)
		_ = s.LeaveCall()
	}()

	waitSignal(t, statusCh, "status event")
	if got := s.Status(); got != "listening" {
		t.Fatalf("Status() = %q, want listening", got)
	}

	waitSignal(t, transcriptsCh, "first transcripts event")
	waitSignal(t, transcriptsCh, "second transcripts event")

	want := []transcript.Line{
		{Speaker: "user", Text: "hi"},
		{Speaker: "agent", Text: "hello"},
	}
	if got := s.Transcripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Transcripts() = %+v, want %+v", got, want)
	}
}

func TestSessionTranscriptRevisionByOrdinal(t *testing.T) {
	done := make(chan struct{})
	joinURL := newProviderServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "ordinal": 0, "speaker": "user", "text": "hel"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "ordinal": 0, "speaker": "user", "text": "hello", "final": true})
		<-done
	})

	s := NewSession()
	transcriptsCh := make(chan struct{}, 8)
	s.On(EventTranscripts, func() { transcriptsCh <- struct{}{} })

	if err := s.JoinCall(context.Background(), joinURL); err != nil {
		t.Fatalf("JoinCall() error = %v", err)
	}
	defer func() {
		close(done)
		_ = s.LeaveCall()
	}()

	waitSignal(t, transcriptsCh, "first transcripts event")
	waitSignal(t, transcriptsCh, "revised transcripts event")

	want := []transcript.Line{{Speaker: "user", Text: "hello"}}
	if got := s.Transcripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Transcripts() = %+v, want %+v", got, want)
	}
}

func TestSessionEndFiresOnceOnProviderClose(t *testing.T) {
	joinURL := newProviderServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "call_ended"})
	})

	s := NewSession()
	endCh := make(chan struct{}, 8)
	s.On(EventEnd, func() { endCh <- struct{}{} })

	if err := s.JoinCall(context.Background(), joinURL); err != nil {
		t.Fatalf("JoinCall() error = %v", err)
	}

	waitSignal(t, endCh, "end event")

	// LeaveCall after the provider already ended must not fire end again.
	_ = s.LeaveCall()
	select {
	case <-endCh:
		t.Fatalf("end event fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionUnsubscribeStopsDelivery(t *testing.T) {
	done := make(chan struct{})
	joinURL := newProviderServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "listening"})
		<-done
	})

	s := NewSession()
	called := make(chan struct{}, 8)
	off := s.On(EventStatus, func() { called <- struct{}{} })
	off()
	off() // idempotent

	if err := s.JoinCall(context.Background(), joinURL); err != nil {
		t.Fatalf("JoinCall() error = %v", err)
	}
	defer func() {
		close(done)
		_ = s.LeaveCall()
	}()

	select {
	case <-called:
		t.Fatalf("unsubscribed listener was notified")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinCallTwiceFails(t *testing.T) {
	done := make(chan struct{})
	joinURL := newProviderServer(t, func(conn *websocket.Conn) { <-done })

	s := NewSession()
	if err := s.JoinCall(context.Background(), joinURL); err != nil {
		t.Fatalf("JoinCall() error = %v", err)
	}
	defer func() {
		close(done)
		_ = s.LeaveCall()
	}()

	if err := s.JoinCall(context.Background(), joinURL); err == nil {
		t.Fatalf("second JoinCall() succeeded, want error")
	}
}
