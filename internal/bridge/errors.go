package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAgentID is returned by New when Options.AgentID is empty.
	ErrMissingAgentID = errors.New("bridge: agent id is required")

	// ErrMissingAPIKey is returned by New when Options.APIKey is empty.
	ErrMissingAPIKey = errors.New("bridge: api key is required")

	// ErrMissingUserID is returned by New when Options.UserID is empty.
	ErrMissingUserID = errors.New("bridge: user id is required")

	// ErrNilChannel is returned by New when no voice channel is supplied.
	ErrNilChannel = errors.New("bridge: voice channel is nil")

	// ErrChannelNotReady is returned by Start when the voice channel does not
	// become ready within Options.ReadyTimeout.
	ErrChannelNotReady = errors.New("bridge: voice channel not ready")

	// ErrReconnectExhausted marks a session stopped after the reconnect
	// budget ran out.
	ErrReconnectExhausted = errors.New("bridge: reconnect budget exhausted")

	// ErrConnectionFailed matches any *ConnectionError.
	ErrConnectionFailed = errors.New("bridge: connection failed")

	// ErrMalformedMessage matches any *MessageError.
	ErrMalformedMessage = errors.New("bridge: malformed message")
)

// ConnectionError describes a failed socket operation against the agent
// endpoint. URL never carries the API key, which travels in a header.
type ConnectionError struct {
	URL       string
	Operation string // dial, read, write, ping
	Cause     error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("bridge: %s failed for %q", e.Operation, e.URL)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }

// MessageError is produced when an inbound frame cannot be decoded.
type MessageError struct {
	Field string
	Cause error
}

func (e *MessageError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("bridge: malformed message: %v", e.Cause)
	}
	return fmt.Sprintf("bridge: malformed message field %q: %v", e.Field, e.Cause)
}

func (e *MessageError) Unwrap() error { return e.Cause }

func (e *MessageError) Is(target error) bool { return target == ErrMalformedMessage }
