package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Actions understood by existing bridges. The literals are part of the wire contract.
const (
	ActionTabActivated     = "TAB_ACTIVATED"
	ActionAssets           = "ASSETS"
	ActionSnapshot         = "SNAPSHOT"
	ActionGetMetadata      = "GET_METADATA"
	ActionGenerateAssets   = "GENERATE_ASSETS"
	ActionGenerateSnapshot = "GENERATE_SNAPSHOT"
)

// Kind enumerates frame kinds.
type Kind string

const (
	KindNone     Kind = ""
	KindRegister Kind = "register"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
	KindError    Kind = "error"
	KindCancel   Kind = "cancel"
)

// ErrMalformed is returned when a frame does not carry exactly one kind.
var ErrMalformed = errors.New("malformed frame")

// Register must be the first frame sent by a bridge.
type Register struct {
	BrowserPID uint32 `json:"browser_pid"`
	HostPID    uint32 `json:"host_pid"`
}

// Request is sent by the broker to a bridge.
type Request struct {
	ID      uint32  `json:"id"`
	Action  string  `json:"action"`
	Payload *string `json:"payload,omitempty"`
}

// Response answers a prior Request with the same id.
type Response struct {
	ID      uint32  `json:"id"`
	Action  string  `json:"action"`
	Payload *string `json:"payload,omitempty"`
}

// Event is an unsolicited message.
type Event struct {
	Action  string  `json:"action"`
	Payload *string `json:"payload,omitempty"`
}

// Error reports a failure for a prior Request id.
type Error struct {
	ID      uint32 `json:"id"`
	Message string `json:"message"`
}

// Cancel withdraws interest in a prior Request id.
type Cancel struct {
	ID uint32 `json:"id"`
}

// Frame is the tagged union carried on a bridge stream. Exactly one field is set.
type Frame struct {
	Register *Register `json:"register,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
	Error    *Error    `json:"error,omitempty"`
	Cancel   *Cancel   `json:"cancel,omitempty"`
}

// Kind reports which variant is populated. It returns KindNone when zero or
// several variants are set.
func (f Frame) Kind() Kind {
	kind := KindNone
	n := 0
	if f.Register != nil {
		kind, n = KindRegister, n+1
	}
	if f.Request != nil {
		kind, n = KindRequest, n+1
	}
	if f.Response != nil {
		kind, n = KindResponse, n+1
	}
	if f.Event != nil {
		kind, n = KindEvent, n+1
	}
	if f.Error != nil {
		kind, n = KindError, n+1
	}
	if f.Cancel != nil {
		kind, n = KindCancel, n+1
	}
	if n != 1 {
		return KindNone
	}
	return kind
}

// Validate checks the one-of invariant.
func (f Frame) Validate() error {
	if f.Kind() == KindNone {
		return ErrMalformed
	}
	return nil
}

// Encode marshals a valid frame.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode unmarshals and validates a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Str returns a pointer to s, for optional payloads.
func Str(s string) *string { return &s }
