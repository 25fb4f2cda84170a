// Package protocol defines the WebSocket control-plane messages exchanged
// between terminal viewers and the service.
//
// Every frame is a JSON text message of the form {"type": ..., "payload": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
)

// Client → server message types.
const (
	TypeCreate  = "terminal:create"
	TypeDestroy = "terminal:destroy"
	TypeInput   = "terminal:input"
	TypeResize  = "terminal:resize"
	TypeRename  = "terminal:rename"
	TypeAttach  = "terminal:attach"
	TypeDetach  = "terminal:detach"
	TypePing    = "ping"
)

// Server → client message types.
const (
	TypeList      = "terminals:list"
	TypeCreated   = "terminal:created"
	TypeOutput    = "terminal:output"
	TypeAttached  = "terminal:attached"
	TypeExit      = "terminal:exit"
	TypeRenamed   = "terminal:renamed"
	TypeDestroyed = "terminal:destroyed"
	TypeDetached  = "terminal:detached"
	TypeError     = "terminal:error"
	TypePong      = "pong"
)

// ErrMalformed is returned for frames that are not a valid envelope.
var ErrMalformed = errors.New("malformed message")

var api = sonic.ConfigStd

// Envelope is a single frame. Payload stays raw until the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreatePayload asks for a new terminal. RequestID is optional and is
// echoed back to the requesting connection only, so a client can tell its
// own terminal:created apart from ones caused by other viewers.
type CreatePayload struct {
	RequestID     string `json:"requestId,omitempty"`
	Name          string `json:"name,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	TabID         string `json:"tabId,omitempty"`
	PositionInTab *int   `json:"positionInTab,omitempty"`
}

// TerminalIDPayload carries destroy, attach, detach, destroyed and detached.
type TerminalIDPayload struct {
	TerminalID string `json:"terminalId"`
}

type InputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type ResizePayload struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type RenamePayload struct {
	TerminalID string `json:"terminalId"`
	Name       string `json:"name"`
}

type ListPayload struct {
	Terminals []terminal.Info `json:"terminals"`
}

type CreatedPayload struct {
	Terminal  terminal.Info `json:"terminal"`
	RequestID string        `json:"requestId,omitempty"`
}

type OutputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// AttachedPayload answers an attach. Buffer is empty unless Replay is set;
// hosts that redraw on attach make replaying the buffer a duplicate.
type AttachedPayload struct {
	TerminalID string `json:"terminalId"`
	Buffer     string `json:"buffer"`
	Replay     bool   `json:"replay"`
}

type ExitPayload struct {
	TerminalID string          `json:"terminalId"`
	ExitCode   *int            `json:"exitCode"`
	Status     terminal.Status `json:"status"`
}

type ErrorPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	Error      string `json:"error"`
	RequestID  string `json:"requestId,omitempty"`
}

// Encode builds a frame of the given type around payload. A nil payload
// produces a frame without one.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := api.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return api.Marshal(env)
}

// Decode parses a frame into its envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := api.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, env.Type)
	}
	if err := api.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
