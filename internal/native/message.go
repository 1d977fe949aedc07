// Package native holds the typed payloads exchanged with browser bridges and
// the decoder that turns raw payload strings into them.
package native

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates decoded payloads.
type MessageType string

const (
	TypeMetadata MessageType = "metadata"
	TypeAsset    MessageType = "asset"
	TypeSnapshot MessageType = "snapshot"
)

// Metadata describes the page active in a browser.
type Metadata struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Asset is a generated artifact for a page, such as a screenshot.
type Asset struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Snapshot is a captured copy of a page's content.
type Snapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Message is a decoded payload. Exactly one of the pointers is set.
type Message struct {
	Type     MessageType
	Metadata *Metadata
	Asset    *Asset
	Snapshot *Snapshot
}

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns raw payload strings into typed messages.
type Decoder interface {
	Decode(payload string) (Message, error)
}

// JSONDecoder decodes payloads of the form {"type": "...", "data": {...}}.
type JSONDecoder struct{}

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode implements Decoder.
func (JSONDecoder) Decode(payload string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Message{}, &DecodeError{Payload: payload, Err: err}
	}
	if len(env.Data) == 0 {
		return Message{}, &DecodeError{Payload: payload, Err: fmt.Errorf("missing data for %q", env.Type)}
	}
	msg := Message{Type: env.Type}
	var err error
	switch env.Type {
	case TypeMetadata:
		msg.Metadata = &Metadata{}
		err = json.Unmarshal(env.Data, msg.Metadata)
	case TypeAsset:
		msg.Asset = &Asset{}
		err = json.Unmarshal(env.Data, msg.Asset)
	case TypeSnapshot:
		msg.Snapshot = &Snapshot{}
		err = json.Unmarshal(env.Data, msg.Snapshot)
	default:
		err = fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		return Message{}, &DecodeError{Payload: payload, Err: err}
	}
	return msg, nil
}

// Encode builds the payload string JSONDecoder understands. Bridges written in
// Go and tests use it.
func Encode(v any) (string, error) {
	var t MessageType
	switch v.(type) {
	case Metadata, *Metadata:
		t = TypeMetadata
	case Asset, *Asset:
		t = TypeAsset
	case Snapshot, *Snapshot:
		t = TypeSnapshot
	default:
		return "", fmt.Errorf("native: cannot encode %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(envelope{Type: t, Data: data})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata decodes payload and requires a metadata message.
func DecodeMetadata(d Decoder, payload string) (Metadata, error) {
	msg, err := d.Decode(payload)
	if err != nil {
		return Metadata{}, err
	}
	if msg.Metadata == nil {
		return Metadata{}, &DecodeError{Payload: payload, Err: fmt.Errorf("expected metadata, got %q", msg.Type)}
	}
	return *msg.Metadata, nil
}

// DecodeAsset decodes payload and requires an asset message.
func DecodeAsset(d Decoder, payload string) (Asset, error) {
	msg, err := d.Decode(payload)
	if err != nil {
		return Asset{}, err
	}
	if msg.Asset == nil {
		return Asset{}, &DecodeError{Payload: payload, Err: fmt.Errorf("expected asset, got %q", msg.Type)}
	}
	return *msg.Asset, nil
}

// DecodeSnapshot decodes payload and requires a snapshot message.
func DecodeSnapshot(d Decoder, payload string) (Snapshot, error) {
	msg, err := d.Decode(payload)
	if err != nil {
		return Snapshot{}, err
	}
	if msg.Snapshot == nil {
		return Snapshot{}, &DecodeError{Payload: payload, Err: fmt.Errorf("expected snapshot, got %q", msg.Type)}
	}
	return *msg.Snapshot, nil
}

// MustEncode is Encode for values known to be encodable.
func MustEncode(v any) string {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}
