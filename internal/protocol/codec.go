package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a datagram that could not be decoded: malformed
// JSON, a version mismatch, or an unknown/missing type tag. Callers log
// and drop the datagram; a bad packet is never fatal to a receive loop.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes a message into a single self-describing JSON datagram,
// injecting the version and type tags alongside the payload fields.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	obj["version"], _ = json.Marshal(Version)
	obj["type"], _ = json.Marshal(int(m.Type()))

	return json.Marshal(obj)
}

// envelope is the minimal header probed before full decoding.
type envelope struct {
	Version *int `json:"version"`
	Type    *int `json:"type"`
}

// Decode converts a raw datagram payload into a concrete message.
// Any failure is returned as a *ProtocolError; Decode never panics on
// malformed input.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON packet", Err: err}
	}

	if env.Version == nil || *env.Version != Version {
		return nil, &ProtocolError{Reason: "protocol version mismatch"}
	}
	if env.Type == nil {
		return nil, &ProtocolError{Reason: "missing message type"}
	}

	var msg Message
	switch Type(*env.Type) {
	case TypeHello:
		msg = &Hello{}
	case TypePulse:
		msg = &Pulse{}
	case TypeWelcome:
		msg = &Welcome{}
	case TypeInput:
		msg = &Input{}
	case TypeState:
		msg = &State{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeDenied:
		msg = &Denied{}
	case TypeGameOver:
		msg = &GameOver{}
	case TypeLogin:
		msg = &Login{}
	case TypeLoginResult:
		msg = &LoginResult{}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", *env.Type)}
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid message payload", Err: err}
	}
	return msg, nil
}
