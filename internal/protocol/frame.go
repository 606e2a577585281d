package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Frame is one client command: [command, id, payload] or [command, payload].
type Frame struct {
	Command string
	// ID is the client-chosen request id, nil when the client sent none.
	ID      json.RawMessage
	Payload json.RawMessage
}

// Parse decodes a client frame.
func Parse(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 || len(parts) > 3 {
		return nil, ErrInvalidFrame
	}

	f := &Frame{}
	if err := json.Unmarshal(parts[0], &f.Command); err != nil || f.Command == "" {
		return nil, ErrInvalidFrame
	}

	switch len(parts) {
	case 2:
		f.Payload = parts[1]
	case 3:
		f.ID = parts[1]
		f.Payload = parts[2]
	}
	if isNull(f.Payload) {
		f.Payload = nil
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Namespace returns the part of the command before the first dot.
func (f *Frame) Namespace() string {
	ns, _, _ := strings.Cut(f.Command, ".")
	return ns
}

// Decode unmarshals the payload into v. A missing payload decodes as {}.
func (f *Frame) Decode(v any) error {
	return DecodePayload(f.Payload, v)
}

// DecodePayload unmarshals a command payload. A missing payload decodes as {}.
func DecodePayload(payload json.RawMessage, v any) error {
	if isNull(payload) {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return NewError(CodeInvalidBody, "Invalid payload.")
	}
	return nil
}

// Success builds the reply to a successful command.
func Success(id json.RawMessage, payload any) []any {
	if payload == nil {
		payload = struct{}{}
	}
	if id == nil {
		return []any{"success", payload}
	}
	return []any{"success", id, payload}
}

// ErrorFrame builds the reply to a failed command.
func ErrorFrame(id json.RawMessage, err *Error) []any {
	if id == nil {
		return []any{"error", err}
	}
	return []any{"error", id, err}
}

// Push builds an unsolicited server frame.
func Push(name string, payload any) []any {
	if payload == nil {
		payload = struct{}{}
	}
	return []any{name, payload}
}
