package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered indicates no live bridge connection for the browser pid.
	ErrNotRegistered = errors.New("browser not registered")
	// ErrChannelClosed indicates the receiving side of a channel is gone.
	ErrChannelClosed = errors.New("channel closed")
	// ErrRequestTimeout indicates no reply arrived before the deadline.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrProtocolViolation indicates a stream did not follow the frame protocol.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidMetadataURL indicates fetched metadata carried an unsupported URL.
	ErrInvalidMetadataURL = errors.New("invalid metadata url")
)

// BridgeError is returned when a bridge answers a request with an Error frame.
type BridgeError struct {
	ID      uint32
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error for request %d: %s", e.ID, e.Message)
}
