// Package protocol defines the websocket message schema between the browser
// and the call relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexlistens/voicechat/internal/transcript"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl    MessageType = "client_control"
	TypeCallStarted      MessageType = "call_started"
	TypeStatusEvent      MessageType = "status_event"
	TypeTranscriptsEvent MessageType = "transcripts_event"
	TypeCallEnded        MessageType = "call_ended"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is the only inbound message: the browser asking to leave
// the call.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// CallStarted carries the join URL so the browser can attach audio to the
// voice session directly.
type CallStarted struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"call_id"`
	JoinURL string      `json:"join_url"`
}

type StatusEvent struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

type TranscriptsEvent struct {
	Type        MessageType       `json:"type"`
	Transcripts []transcript.Line `json:"transcripts"`
}

type CallEnded struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
