// Package ws is the websocket transport for the chat coordinator: it upgrades HTTP
// requests, decodes client frames into inbound events and fans outbound events back
// out to connections.
package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/nearchat/internal/event"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope or whose data
	// does not match the event's payload shape.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownEvent is returned for envelopes naming an event clients may not send.
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the wire form of every frame in both directions.
type Envelope struct {
	Event event.Name      `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders an outbound event as an envelope. A nil payload omits data.
func Encode(name event.Name, payload any) ([]byte, error) {
	env := Envelope{Event: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", name, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeInbound parses one client frame received on connID.
//
// Postcondition: Returns an Inbound with ConnID set, or an error wrapping ErrMalformed
// or ErrUnknownEvent.
func DecodeInbound(connID string, raw []byte) (event.Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return event.Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in := event.Inbound{ConnID: connID, Name: env.Event}
	switch env.Event {
	case event.Join:
		// A join without data places the session at the origin.
		if !isEmpty(env.Data) {
			if err := decodePosition(env.Data, &in.Position); err != nil {
				return event.Inbound{}, err
			}
		}
	case event.Move:
		if isEmpty(env.Data) {
			return event.Inbound{}, fmt.Errorf("%w: move requires a position", ErrMalformed)
		}
		if err := decodePosition(env.Data, &in.Position); err != nil {
			return event.Inbound{}, err
		}
	case event.SetName, event.Message, event.InviteToChat, event.AcceptInvitation, event.RejectInvitation:
		if err := json.Unmarshal(env.Data, &in.Arg); err != nil {
			return event.Inbound{}, fmt.Errorf("%w: %s expects a string: %v", ErrMalformed, env.Event, err)
		}
	case event.LeaveGroup:
	default:
		return event.Inbound{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return in, nil
}

func decodePosition(data json.RawMessage, pos *event.Position) error {
	if err := json.Unmarshal(data, pos); err != nil {
		return fmt.Errorf("%w: position: %v", ErrMalformed, err)
	}
	return nil
}

func isEmpty(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
