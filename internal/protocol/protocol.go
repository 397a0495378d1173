// Package protocol defines the JSON messages exchanged with a drill client
// over its WebSocket.
//
// Every message, in both directions, is an envelope of the form
//
//	{"type": "<kind>", "data": {...}}
//
// Inbound kinds are start, voiceFrame and end. Outbound kinds are started,
// metrics, stepBack, interrupt, tick, speak, ended and error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/gtodrill/pkg/types"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON envelopes
	// or whose data does not match the declared type.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned for envelopes with an unrecognised type.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// MessageType discriminates envelopes.
type MessageType string

// Inbound message types.
const (
	TypeStart      MessageType = "start"
	TypeVoiceFrame MessageType = "voiceFrame"
	TypeEnd        MessageType = "end"
)

// Outbound message types.
const (
	TypeStarted   MessageType = "started"
	TypeMetrics   MessageType = "metrics"
	TypeStepBack  MessageType = "stepBack"
	TypeInterrupt MessageType = "interrupt"
	TypeTick      MessageType = "tick"
	TypeSpeak     MessageType = "speak"
	TypeEnded     MessageType = "ended"
	TypeError     MessageType = "error"
)

// Envelope is one outbound message.
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// Marshal encodes e as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", e.Type, err)
	}
	return b, nil
}

// StartRequest opens a session.
type StartRequest struct {
	TaskType    types.TaskType   `json:"taskType"`
	DurationSec int              `json:"durationSec"`
	GroupSize   int              `json:"groupSize"`
	Scenario    string           `json:"scenario"`
	Difficulty  types.Difficulty `json:"difficulty"`
	UserID      string           `json:"userId,omitempty"`
}

// EndRequest closes a session. Reason is stored with the final record as
// the end detail.
type EndRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Inbound is a decoded client message. Exactly one of Start, Frame or End
// is set, matching Type.
type Inbound struct {
	Type  MessageType
	Start *StartRequest
	Frame *types.VoiceFrame
	End   *EndRequest
}

type rawEnvelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeInbound parses one client message.
func DecodeInbound(b []byte) (Inbound, error) {
	var env rawEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	in := Inbound{Type: env.Type}
	switch env.Type {
	case TypeStart:
		in.Start = &StartRequest{}
		if err := decodeData(env.Data, in.Start); err != nil {
			return Inbound{}, err
		}
	case TypeVoiceFrame:
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return Inbound{}, fmt.Errorf("%w: voiceFrame without data", ErrMalformed)
		}
		in.Frame = &types.VoiceFrame{}
		if err := decodeData(env.Data, in.Frame); err != nil {
			return Inbound{}, err
		}
	case TypeEnd:
		in.End = &EndRequest{}
		if err := decodeData(env.Data, in.End); err != nil {
			return Inbound{}, err
		}
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return in, nil
}

// decodeData unmarshals raw into dst. Absent data leaves dst zero.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
