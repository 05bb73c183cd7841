// Package callsession owns the lifecycle of one voice call: provisioning,
// live transcript accumulation, incremental persistence into the call memory
// store, and teardown.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/alexlistens/voicechat/internal/observability"
	"github.com/alexlistens/voicechat/internal/provision"
	"github.com/alexlistens/voicechat/internal/store"
	"github.com/alexlistens/voicechat/internal/transcript"
	"github.com/alexlistens/voicechat/internal/ultravox"
)

// State is the call lifecycle phase. Ended is terminal.
type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateEnded        State = "ended"
)

// Provisioner requests a new call and returns its join URL.
type Provisioner interface {
	CreateCall(ctx context.Context, req provision.Request) (string, error)
}

// VoiceSession is the provider session the manager observes. Notifications
// carry no payload; handlers read Status and Transcripts when notified.
type VoiceSession interface {
	JoinCall(ctx context.Context, joinURL string) error
	LeaveCall() error
	Status() string
	Transcripts() []transcript.Line
	On(event ultravox.Event, fn func()) func()
}

// CallStore is the slice of the document store the manager needs.
type CallStore interface {
	SaveCall(ctx context.Context, rec store.CallRecord) error
	LatestCallByUser(ctx context.Context, userID string) (*store.CallRecord, error)
}

// EventKind identifies a manager notification pushed to observers (the
// browser relay, tests).
type EventKind string

const (
	EventStatus      EventKind = "status"
	EventTranscripts EventKind = "transcripts"
	EventEnded       EventKind = "ended"
	EventError       EventKind = "error"
)

type Notification struct {
	Kind        EventKind
	Status      string
	Transcripts []transcript.Line
	Err         string
}

// Config wires a Manager. Provisioner and Calls are required; the rest have
// working defaults.
type Config struct {
	Provisioner Provisioner
	Calls       CallStore
	// CurrentUser reports the authenticated user at the moment of the
	// lookup, or nil for anonymous visitors.
	CurrentUser func() *store.User
	// NewSession constructs the provider session. Defaults to ultravox.
	NewSession func() VoiceSession
	Metrics    *observability.Metrics
	Notify     func(Notification)
	// RedactPII masks emails, phone numbers, and card numbers in
	// persisted transcripts. The live transcript shown to the caller is
	// never redacted.
	RedactPII bool
}

// callContext bundles the values every handler needs for the lifetime of
// one call. It is replaced wholesale at each start, never mutated.
type callContext struct {
	callID             string
	joinURL            string
	firstName          string
	lastCallTranscript string
}

// Manager drives a single call from provisioning to teardown. One Manager
// handles one call; the transcript buffer is never shared across calls.
type Manager struct {
	provisioner Provisioner
	calls       CallStore
	currentUser func() *store.User
	newSession  func() VoiceSession
	metrics     *observability.Metrics
	notifyFn    func(Notification)
	redactPII   bool

	mu      sync.RWMutex
	state   State
	status  string
	lines   []transcript.Line
	lastErr string
	call    *callContext
	session VoiceSession

	offStatus      func()
	offTranscripts func()
	offEnd         func()
	offOnce        sync.Once

	persistCh     chan []transcript.Line
	persistDone   chan struct{}
	persistClosed bool
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		provisioner: cfg.Provisioner,
		calls:       cfg.Calls,
		currentUser: cfg.CurrentUser,
		newSession:  cfg.NewSession,
		metrics:     cfg.Metrics,
		notifyFn:    cfg.Notify,
		redactPII:   cfg.RedactPII,
		state:       StateIdle,
		status:      "disconnected",
	}
	if m.currentUser == nil {
		m.currentUser = func() *store.User { return nil }
	}
	if m.newSession == nil {
		m.newSession = func() VoiceSession { return ultravox.NewSession() }
	}
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Err returns the user-visible error from the last failed start, if any.
func (m *Manager) Err() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) CallID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.call == nil {
		return ""
	}
	return m.call.callID
}

// JoinURL returns the provider-issued join URL for the current call.
func (m *Manager) JoinURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.call == nil {
		return ""
	}
	return m.call.joinURL
}

// Transcripts returns the current visible transcript buffer.
func (m *Manager) Transcripts() []transcript.Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]transcript.Line(nil), m.lines...)
}

// Start provisions a call, joins the voice session, and goes Active. The
// provisioning request must complete first since the join URL is only known
// afterwards. On failure the manager returns to Idle with a user-visible
// error and does not retry.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start call from state %q", st)
	}
	m.state = StateProvisioning
	m.lastErr = ""
	m.mu.Unlock()

	var firstName, lastCall string
	if u := m.currentUser(); u != nil {
		firstName = u.FirstName
		lastCall = m.LatestCallContext(ctx, u.UID)
	}

	provisionStart := time.Now()
	joinURL, err := m.provisioner.CreateCall(ctx, provision.Request{
		FirstName:          firstName,
		LastCallTranscript: lastCall,
	})
	if m.metrics != nil {
		m.metrics.ObserveProvisionLatency(time.Since(provisionStart))
	}
	if err != nil {
		m.failStart(err, "provision_failed")
		return err
	}

	callID := callIDFromJoinURL(joinURL)
	sess := m.newSession()

	m.mu.Lock()
	m.call = &callContext{
		callID:             callID,
		joinURL:            joinURL,
		firstName:          firstName,
		lastCallTranscript: lastCall,
	}
	m.session = sess
	m.mu.Unlock()

	// Observers must be registered before joining so the first status or
	// transcript notification is not missed.
	m.offStatus = sess.On(ultravox.EventStatus, m.handleStatus)
	m.offTranscripts = sess.On(ultravox.EventTranscripts, m.handleTranscripts)
	m.offEnd = sess.On(ultravox.EventEnd, m.handleEnd)

	if err := sess.JoinCall(ctx, joinURL); err != nil {
		m.unsubscribe()
		m.failStart(err, "join_failed")
		return err
	}

	m.mu.Lock()
	// The provider can end the call before we get here; Ended is terminal.
	if m.state == StateProvisioning {
		m.state = StateActive
		m.persistCh = make(chan []transcript.Line, 1)
		m.persistDone = make(chan struct{})
		go m.persistWorker()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CallEvents.WithLabelValues("started").Inc()
	}
	log.Printf("call %s started (user=%q)", callID, firstName)
	return nil
}

func (m *Manager) failStart(err error, event string) {
	m.mu.Lock()
	m.state = StateIdle
	m.lastErr = err.Error()
	m.session = nil
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.CallEvents.WithLabelValues(event).Inc()
	}
	log.Printf("call start failed: %v", err)
	m.notify(Notification{Kind: EventError, Err: err.Error()})
}

// callIDFromJoinURL extracts the call_id query parameter, falling back to a
// timestamp-based id that is unique within the process.
func callIDFromJoinURL(joinURL string) string {
	if u, err := url.Parse(joinURL); err == nil {
		if id := u.Query().Get("call_id"); id != "" {
			return id
		}
	}
	return fmt.Sprintf("call_%d", time.Now().UnixMilli())
}

// handleStatus mirrors the provider status verbatim into observable state.
func (m *Manager) handleStatus() {
	m.mu.Lock()
	sess := m.session
	if sess == nil {
		m.mu.Unlock()
		return
	}
	status := sess.Status()
	m.status = status
	m.mu.Unlock()
	m.notify(Notification{Kind: EventStatus, Status: status})
}

// handleTranscripts replaces the transcript buffer with the provider's
// cumulative list, normalized, and schedules persistence when non-empty.
func (m *Manager) handleTranscripts() {
	m.mu.RLock()
	sess := m.session
	m.mu.RUnlock()
	if sess == nil {
		return
	}

	raw := sess.Transcripts()
	if raw == nil {
		log.Printf("ignoring transcript update with no payload")
		return
	}
	lines := transcript.Normalize(raw)

	m.mu.Lock()
	m.lines = lines
	m.mu.Unlock()

	m.notify(Notification{Kind: EventTranscripts, Transcripts: lines})

	if len(lines) > 0 {
		m.enqueuePersist(lines)
	}
}

// handleEnd performs the final synchronous persist of a non-empty buffer,
// refreshes the prior-call context for the authenticated user, and moves to
// Ended.
func (m *Manager) handleEnd() {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	m.state = StateEnded
	lines := append([]transcript.Line(nil), m.lines...)
	m.mu.Unlock()

	m.stopPersistWorker()

	ctx := context.Background()
	if len(lines) > 0 {
		m.persist(ctx, lines)
	} else {
		log.Printf("call %s ended with no transcripts to save", m.CallID())
	}

	if u := m.currentUser(); u != nil {
		// Re-read the latest call so a stale or failed final write is
		// noticed here rather than on the user's next call.
		if got := m.LatestCallContext(ctx, u.UID); got == "" && len(lines) > 0 {
			log.Printf("call %s ended but saved transcript not readable for user %s", m.CallID(), u.UID)
		}
	}

	m.unsubscribe()
	if m.metrics != nil {
		m.metrics.CallEvents.WithLabelValues("ended").Inc()
	}
	m.notify(Notification{Kind: EventEnded})
}

// Teardown leaves an active session. Any provider end event emitted by the
// leave runs the normal end handling; otherwise observers are unsubscribed
// here. In-flight persists are not awaited.
func (m *Manager) Teardown() {
	m.mu.RLock()
	sess := m.session
	st := m.state
	m.mu.RUnlock()

	if sess != nil && st == StateActive {
		_ = sess.LeaveCall()
		return
	}
	m.unsubscribe()
}

func (m *Manager) unsubscribe() {
	m.offOnce.Do(func() {
		for _, off := range []func(){m.offStatus, m.offTranscripts, m.offEnd} {
			if off != nil {
				off()
			}
		}
	})
}

// enqueuePersist hands a snapshot to the single persist worker. Only the
// newest snapshot is kept pending: every snapshot carries the full
// transcript, so coalescing an older pending one is lossless and writes
// stay serialized per call.
func (m *Manager) enqueuePersist(lines []transcript.Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistCh == nil || m.persistClosed {
		return
	}
	select {
	case m.persistCh <- lines:
		return
	default:
	}
	select {
	case <-m.persistCh:
	default:
	}
	select {
	case m.persistCh <- lines:
	default:
	}
}

func (m *Manager) persistWorker() {
	defer close(m.persistDone)
	for lines := range m.persistCh {
		m.persist(context.Background(), lines)
	}
}

func (m *Manager) stopPersistWorker() {
	m.mu.Lock()
	if m.persistCh == nil || m.persistClosed {
		m.mu.Unlock()
		return
	}
	m.persistClosed = true
	// Discard a pending snapshot; the final end-of-call write supersedes it.
	select {
	case <-m.persistCh:
	default:
	}
	close(m.persistCh)
	done := m.persistDone
	m.mu.Unlock()
	<-done
}

// persist upserts the call record. Anonymous or not-yet-provisioned calls
// are never written. Store errors are logged and contained.
func (m *Manager) persist(ctx context.Context, lines []transcript.Line) {
	m.mu.RLock()
	call := m.call
	m.mu.RUnlock()

	u := m.currentUser()
	if call == nil || call.callID == "" || u == nil {
		log.Printf("no user logged in or no call id, skipping call memory save")
		return
	}

	if m.redactPII {
		lines = transcript.RedactLines(lines)
	}
	rec := store.CallRecord{
		UserID:      u.UID,
		CallID:      call.callID,
		Transcripts: lines,
	}
	if err := m.calls.SaveCall(ctx, rec); err != nil {
		log.Printf("failed to save call memory %s: %v", call.callID, err)
		if m.metrics != nil {
			m.metrics.PersistWrites.WithLabelValues("error").Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.PersistWrites.WithLabelValues("ok").Inc()
	}
}

// LatestCallContext renders the user's most recent call as "speaker: text"
// lines for the next provisioning request. Lookup failures degrade to no
// prior context.
func (m *Manager) LatestCallContext(ctx context.Context, userID string) string {
	rec, err := m.calls.LatestCallByUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("fetching latest call transcripts for %s: %v", userID, err)
		}
		return ""
	}
	return transcript.RenderContext(rec.Transcripts)
}

func (m *Manager) notify(n Notification) {
	if m.notifyFn != nil {
		m.notifyFn(n)
	}
}
