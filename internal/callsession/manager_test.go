package callsession

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexlistens/voicechat/internal/provision"
	"github.com/alexlistens/voicechat/internal/store"
	"github.com/alexlistens/voicechat/internal/transcript"
	"github.com/alexlistens/voicechat/internal/ultravox"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	joinURL string
	err     error
	lastReq provision.Request
	calls   int
}

func (p *fakeProvisioner) CreateCall(_ context.Context, req provision.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return "", p.err
	}
	return p.joinURL, nil
}

type fakeSession struct {
	mu        sync.Mutex
	status    string
	lines     []transcript.Line
	nilLines  bool
	listeners map[ultravox.Event][]func()
	joined    bool
	left      bool
	joinErr   error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		status:    "disconnected",
		listeners: make(map[ultravox.Event][]func()),
	}
}

func (s *fakeSession) JoinCall(_ context.Context, _ string) error {
	if s.joinErr != nil {
		return s.joinErr
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) LeaveCall() error {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()
	s.emit(ultravox.EventEnd)
	return nil
}

func (s *fakeSession) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) Transcripts() []transcript.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nilLines {
		return nil
	}
	return append([]transcript.Line(nil), s.lines...)
}

func (s *fakeSession) On(event ultravox.Event, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
	return func() {}
}

func (s *fakeSession) emit(event ultravox.Event) {
	s.mu.Lock()
	fns := append(([]func())(nil), s.listeners[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSession) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.emit(ultravox.EventStatus)
}

func (s *fakeSession) setTranscripts(lines []transcript.Line) {
	s.mu.Lock()
	s.lines = lines
	s.nilLines = lines == nil
	s.mu.Unlock()
	s.emit(ultravox.EventTranscripts)
}

type fakeStore struct {
	mu          sync.Mutex
	saves       []store.CallRecord
	latest      *store.CallRecord
	saveErr     error
	latestErr   error
	latestCalls int
}

func (s *fakeStore) SaveCall(_ context.Context, rec store.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, rec)
	return nil
}

func (s *fakeStore) LatestCallByUser(_ context.Context, _ string) (*store.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls++
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	if s.latest == nil {
		return nil, store.ErrNotFound
	}
	return s.latest, nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) lastSave() store.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testManager(prov *fakeProvisioner, st *fakeStore, sess *fakeSession, user *store.User) *Manager {
	return NewManager(Config{
		Provisioner: prov,
		Calls:       st,
		CurrentUser: func() *store.User { return user },
		NewSession:  func() VoiceSession { return sess },
	})
}

func TestStartExtractsCallIDFromJoinURL(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=uv-42"}
	sess := newFakeSession()
	m := testManager(prov, &fakeStore{}, sess, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := m.CallID(); got != "uv-42" {
		t.Fatalf("CallID() = %q, want uv-42", got)
	}
	if got := m.State(); got != StateActive {
		t.Fatalf("State() = %q, want active", got)
	}
	if !sess.joined {
		t.Fatalf("session was not joined")
	}
}

func TestStartSynthesizesCallIDWhenParamMissing(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join"}
	m := testManager(prov, &fakeStore{}, newFakeSession(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := m.CallID()
	if !strings.HasPrefix(id, "call_") || len(id) <= len("call_") {
		t.Fatalf("CallID() = %q, want synthesized call_<ms> id", id)
	}
}

func TestStartProvisioningFailureStaysIdle(t *testing.T) {
	prov := &fakeProvisioner{err: fmt.Errorf("failed to create call: 429 Too Many Requests: rate limited")}
	sess := newFakeSession()
	m := testManager(prov, &fakeStore{}, sess, nil)

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("Start() error = nil, want provisioning failure")
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("State() = %q, want idle", got)
	}
	if !strings.Contains(m.Err(), "rate limited") {
		t.Fatalf("Err() = %q, want to contain %q", m.Err(), "rate limited")
	}
	if sess.joined {
		t.Fatalf("session joined despite provisioning failure")
	}
	if prov.calls != 1 {
		t.Fatalf("provisioner calls = %d, want 1 (no retry)", prov.calls)
	}
}

func TestStartSendsUserContextToProvisioner(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{
		latest: &store.CallRecord{
			UserID: "uid-1",
			CallID: "c0",
			Transcripts: []transcript.Line{
				{Speaker: "user", Text: "hello"},
				{Speaker: "agent", Text: "hi there"},
			},
		},
	}
	user := &store.User{UID: "uid-1", FirstName: "Alex"}
	m := testManager(prov, st, newFakeSession(), user)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if prov.lastReq.FirstName != "Alex" {
		t.Fatalf("firstName = %q, want Alex", prov.lastReq.FirstName)
	}
	if prov.lastReq.LastCallTranscript != "user: hello\nagent: hi there" {
		t.Fatalf("lastCallTranscript = %q", prov.lastReq.LastCallTranscript)
	}
}

func TestPriorCallLookupFailureDegradesToEmpty(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{latestErr: errors.New("backend unavailable")}
	user := &store.User{UID: "uid-1", FirstName: "Alex"}
	m := testManager(prov, st, newFakeSession(), user)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if prov.lastReq.LastCallTranscript != "" {
		t.Fatalf("lastCallTranscript = %q, want empty on lookup failure", prov.lastReq.LastCallTranscript)
	}
}

func TestTranscriptEventNormalizesAndPersists(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	user := &store.User{UID: "uid-1", FirstName: "Alex"}
	m := testManager(prov, st, sess, user)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.setTranscripts([]transcript.Line{
		{Speaker: "user", Text: "hi"},
		{Speaker: "agent", Text: ""},
	})

	want := []transcript.Line{{Speaker: "user", Text: "hi"}}
	if got := m.Transcripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Transcripts() = %+v, want %+v", got, want)
	}

	waitFor(t, func() bool { return st.saveCount() == 1 }, "persistence write")
	saved := st.lastSave()
	if saved.CallID != "c1" || saved.UserID != "uid-1" {
		t.Fatalf("saved record = %+v", saved)
	}
	if !reflect.DeepEqual(saved.Transcripts, want) {
		t.Fatalf("saved transcripts = %+v, want %+v", saved.Transcripts, want)
	}
}

func TestTranscriptBufferReplacedNotAppended(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	sess := newFakeSession()
	m := testManager(prov, &fakeStore{}, sess, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "one"}})
	sess.setTranscripts([]transcript.Line{
		{Speaker: "user", Text: "one"},
		{Speaker: "agent", Text: "two"},
	})

	got := m.Transcripts()
	if len(got) != 2 {
		t.Fatalf("Transcripts() length = %d, want 2 (replaced, not appended)", len(got))
	}
}

func TestNilTranscriptPayloadIgnored(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	m := testManager(prov, st, sess, &store.User{UID: "uid-1"})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "hi"}})
	sess.setTranscripts(nil)

	want := []transcript.Line{{Speaker: "user", Text: "hi"}}
	if got := m.Transcripts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Transcripts() = %+v, want unchanged %+v", got, want)
	}
}

func TestAnonymousCallNeverPersisted(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	m := testManager(prov, st, sess, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := m.State(); got != StateActive {
		t.Fatalf("State() = %q, want active for anonymous call", got)
	}

	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "hi"}})
	sess.setTranscripts([]transcript.Line{
		{Speaker: "user", Text: "hi"},
		{Speaker: "agent", Text: "hello"},
	})
	sess.emit(ultravox.EventEnd)

	if got := m.State(); got != StateEnded {
		t.Fatalf("State() = %q, want ended", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := st.saveCount(); n != 0 {
		t.Fatalf("saves = %d, want 0 for anonymous call", n)
	}
}

func TestEndPersistsFinalSnapshotAndRefreshesPriorCall(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	user := &store.User{UID: "uid-1", FirstName: "Alex"}
	m := testManager(prov, st, sess, user)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	final := []transcript.Line{
		{Speaker: "user", Text: "hi"},
		{Speaker: "agent", Text: "hello"},
	}
	sess.setTranscripts(final)
	waitFor(t, func() bool { return st.saveCount() >= 1 }, "incremental write")

	before := st.saveCount()
	lookupsBefore := st.latestCalls
	sess.emit(ultravox.EventEnd)

	// The final write completes before end handling returns.
	if got := st.saveCount(); got != before+1 {
		t.Fatalf("saves after end = %d, want %d", got, before+1)
	}
	if got := st.lastSave().Transcripts; !reflect.DeepEqual(got, final) {
		t.Fatalf("final saved transcripts = %+v, want %+v", got, final)
	}
	if st.latestCalls != lookupsBefore+1 {
		t.Fatalf("prior-call lookups after end = %d, want %d", st.latestCalls, lookupsBefore+1)
	}
	if got := m.State(); got != StateEnded {
		t.Fatalf("State() = %q, want ended", got)
	}
}

func TestEndWithEmptyBufferSkipsPersist(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	m := testManager(prov, st, sess, &store.User{UID: "uid-1"})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.emit(ultravox.EventEnd)

	if n := st.saveCount(); n != 0 {
		t.Fatalf("saves = %d, want 0 for empty buffer", n)
	}
}

func TestEndIsTerminal(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	sess := newFakeSession()
	m := testManager(prov, &fakeStore{}, sess, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.emit(ultravox.EventEnd)
	sess.emit(ultravox.EventEnd)

	if got := m.State(); got != StateEnded {
		t.Fatalf("State() = %q, want ended", got)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("Start() after end succeeded, want error")
	}
}

func TestPersistFailureIsContained(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{saveErr: errors.New("write denied")}
	sess := newFakeSession()
	m := testManager(prov, st, sess, &store.User{UID: "uid-1"})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "hi"}})
	sess.emit(ultravox.EventEnd)

	if got := m.State(); got != StateEnded {
		t.Fatalf("State() = %q, want ended despite persist failure", got)
	}
	if m.Err() != "" {
		t.Fatalf("Err() = %q, want persist failures kept out of user-visible state", m.Err())
	}
}

func TestStatusMirroredVerbatim(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	sess := newFakeSession()
	m := testManager(prov, &fakeStore{}, sess, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, status := range []string{"listening", "speaking", "idle"} {
		sess.setStatus(status)
		if got := m.Status(); got != status {
			t.Fatalf("Status() = %q, want %q", got, status)
		}
	}
}

func TestTeardownLeavesActiveSession(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	st := &fakeStore{}
	sess := newFakeSession()
	m := testManager(prov, st, sess, &store.User{UID: "uid-1"})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "bye"}})

	m.Teardown()

	if !sess.left {
		t.Fatalf("Teardown() did not leave the session")
	}
	// The leave-triggered end event runs normal end handling.
	if got := m.State(); got != StateEnded {
		t.Fatalf("State() = %q, want ended after teardown", got)
	}
	waitFor(t, func() bool { return st.saveCount() >= 1 }, "final write after teardown")
}

func TestNotificationsDelivered(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://voice.example.com/join?call_id=c1"}
	sess := newFakeSession()

	var mu sync.Mutex
	var kinds []EventKind
	m := NewManager(Config{
		Provisioner: prov,
		Calls:       &fakeStore{},
		NewSession:  func() VoiceSession { return sess },
		Notify: func(n Notification) {
			mu.Lock()
			kinds = append(kinds, n.Kind)
			mu.Unlock()
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.setStatus("listening")
	sess.setTranscripts([]transcript.Line{{Speaker: "user", Text: "hi"}})
	sess.emit(ultravox.EventEnd)

	mu.Lock()
	defer mu.Unlock()
	want := []EventKind{EventStatus, EventTranscripts, EventEnded}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("notification kinds = %v, want %v", kinds, want)
	}
}

func TestRedactionAppliesToPersistedLinesOnly(t *testing.T) {
	prov := &fakeProvisioner{joinURL: "wss://x/join?call_id=uv-r1"}
	sess := newFakeSession()
	st := &fakeStore{}
	user := &store.User{UID: "u-1", FirstName: "Ana"}

	var notified []transcript.Line
	var mu sync.Mutex
	m := NewManager(Config{
		Provisioner: prov,
		Calls:       st,
		CurrentUser: func() *store.User { return user },
		NewSession:  func() VoiceSession { return sess },
		RedactPII:   true,
		Notify: func(n Notification) {
			if n.Kind == EventTranscripts {
				mu.Lock()
				notified = n.Transcripts
				mu.Unlock()
			}
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.setTranscripts([]transcript.Line{
		{Speaker: "user", Text: "my email is ana@example.com"},
	})

	waitFor(t, func() bool { return st.saveCount() == 1 }, "persist write")

	if got := st.lastSave().Transcripts[0].Text; got != "my email is [REDACTED_EMAIL]" {
		t.Fatalf("persisted text = %q, want redacted", got)
	}
	mu.Lock()
	live := notified[0].Text
	mu.Unlock()
	if live != "my email is ana@example.com" {
		t.Fatalf("live text = %q, want original", live)
	}
	if got := m.Transcripts()[0].Text; got != "my email is ana@example.com" {
		t.Fatalf("buffer text = %q, want original", got)
	}
}
