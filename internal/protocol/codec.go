package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UnknownTypeError is returned by Decode for a message whose type tag this
// side does not understand. Receivers log it and carry on.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// MalformedError is returned by Decode for input that is not a well-formed
// message. Like unknown types, it is logged and skipped by receivers.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err came from decoding a single message, as
// opposed to the connection carrying it.
func IsDecodeError(err error) bool {
	var ute *UnknownTypeError
	var me *MalformedError
	return errors.As(err, &ute) || errors.As(err, &me)
}

// Encode serializes a message to its JSON wire form, with the type tag as the
// first field.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encoding nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.MessageType(), err)
	}
	tag, _ := json.Marshal(string(m.MessageType()))

	out := make([]byte, 0, len(payload)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(payload) > 2 {
		out = append(out, ',')
		out = append(out, payload[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a wire message. Unrecognized tags yield *UnknownTypeError.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &MalformedError{Err: fmt.Errorf("decoding message envelope: %w", err)}
	}

	var err error
	switch envelope.Type {
	case TypeInit:
		var m Init
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeReady:
		return Ready{}, nil
	case TypeImport:
		var m Import
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeLoaded:
		return Loaded{}, nil
	case TypeFetch:
		var m Fetch
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeRespond:
		var m Respond
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeRespondError:
		var m RespondError
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeBodyChunk:
		var m BodyChunk
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeBodyClose:
		var m BodyClose
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeBodyError:
		var m BodyError
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeAbort:
		var m Abort
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeLog:
		var m Log
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	case TypeInternalLog:
		var m InternalLog
		err = json.Unmarshal(data, &m)
		return m, wrapDecode(envelope.Type, err)
	default:
		return nil, &UnknownTypeError{Type: envelope.Type}
	}
}

func wrapDecode(t Type, err error) error {
	if err != nil {
		return &MalformedError{Err: fmt.Errorf("decoding %s message: %w", t, err)}
	}
	return nil
}
