package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alexlistens/voicechat/internal/callsession"
	"github.com/alexlistens/voicechat/internal/protocol"
	"github.com/alexlistens/voicechat/internal/provision"
	"github.com/alexlistens/voicechat/internal/store"
	"github.com/alexlistens/voicechat/internal/ultravox"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsMaxMessage   = 2 << 20
)

// serverProvisioner provisions calls directly against the voice provider,
// composing the agent's system prompt from the caller context.
type serverProvisioner struct {
	creator   CallCreator
	agentName string
	voice     string
}

func (p *serverProvisioner) CreateCall(ctx context.Context, req provision.Request) (string, error) {
	res, err := p.creator.CreateCall(ctx, ultravox.CreateCallRequest{
		SystemPrompt: buildSystemPrompt(p.agentName, req.FirstName, req.LastCallTranscript),
		Voice:        p.voice,
	})
	if err != nil {
		return "", err
	}
	return res.JoinURL, nil
}

// handleCallWS runs one call end to end over a browser websocket. The
// server joins the provider's data channel itself and mirrors status and
// transcript events down to the browser; the browser attaches audio
// directly to the provider using the join URL from call_started.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	var user *store.User
	if token := tokenFromRequest(r); token != "" && s.identity != nil {
		u, err := s.identity.UserFromToken(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		user = u
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	outbound := make(chan any, 256)
	ended := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Session event handlers keep sending after the relay starts shutting
	// down; the flag keeps those sends off the closed channel.
	var sendMu sync.Mutex
	sendClosed := false
	send := func(kind string, msg any) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if sendClosed {
			s.metrics.RelayMessages.WithLabelValues("dropped", kind).Inc()
			return
		}
		select {
		case outbound <- msg:
			s.metrics.RelayMessages.WithLabelValues("out", kind).Inc()
		default:
			// The browser is not draining; dropping is preferable to
			// stalling the voice session's event handlers.
			s.metrics.RelayMessages.WithLabelValues("dropped", kind).Inc()
		}
	}
	closeOutbound := func() {
		sendMu.Lock()
		defer sendMu.Unlock()
		if sendClosed {
			return
		}
		sendClosed = true
		close(outbound)
	}
	defer closeOutbound()

	mgr := callsession.NewManager(callsession.Config{
		Provisioner: s.provisioner,
		Calls:       s.store,
		CurrentUser: func() *store.User { return user },
		Metrics:     s.metrics,
		RedactPII:   s.cfg.RedactPII,
		Notify: func(n callsession.Notification) {
			switch n.Kind {
			case callsession.EventStatus:
				send(string(protocol.TypeStatusEvent), protocol.StatusEvent{
					Type:   protocol.TypeStatusEvent,
					Status: n.Status,
				})
			case callsession.EventTranscripts:
				send(string(protocol.TypeTranscriptsEvent), protocol.TranscriptsEvent{
					Type:        protocol.TypeTranscriptsEvent,
					Transcripts: n.Transcripts,
				})
			case callsession.EventEnded:
				send(string(protocol.TypeCallEnded), protocol.CallEnded{
					Type: protocol.TypeCallEnded,
				})
				close(ended)
			case callsession.EventError:
				send(string(protocol.TypeErrorEvent), protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Detail: n.Err,
				})
			}
		},
	})

	s.metrics.ActiveCalls.Inc()
	defer s.metrics.ActiveCalls.Dec()

	if err := mgr.Start(r.Context()); err != nil {
		// The error_event frame is already queued; closing the channel and
		// waiting flushes it before the socket goes down.
		log.Printf("call start failed: %v", err)
		closeOutbound()
		<-writerDone
		return
	}
	defer mgr.Teardown()

	send(string(protocol.TypeCallStarted), protocol.CallStarted{
		Type:    protocol.TypeCallStarted,
		CallID:  mgr.CallID(),
		JoinURL: mgr.JoinURL(),
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseClientMessage(raw)
			if err != nil {
				if !errors.Is(err, protocol.ErrUnsupportedType) {
					log.Printf("bad client message: %v", err)
				}
				continue
			}
			ctl, ok := msg.(protocol.ClientControl)
			if !ok {
				continue
			}
			s.metrics.RelayMessages.WithLabelValues("in", string(protocol.TypeClientControl)).Inc()
			if ctl.Action == "leave" {
				mgr.Teardown()
			}
		}
	}()

	// The call is over when the provider ends it or the browser goes away.
	select {
	case <-ended:
		// call_ended is the final frame; close the channel and wait so the
		// writer drains it before the socket goes down.
		closeOutbound()
		<-writerDone
	case <-readDone:
	case <-writerDone:
	}
}
