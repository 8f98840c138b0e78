package contracts

import (
	"errors"
	"fmt"
)

var (
	// Protocol faults
	ErrUnexpectedResponse = errors.New("ipc: unexpected response")
	ErrMalformedMessage   = errors.New("ipc: malformed message")
	ErrDuplicateID        = errors.New("ipc: duplicate correlation id")

	// Eviction reasons
	ErrTimeout         = errors.New("ipc: request timed out")
	ErrTargetDestroyed = errors.New("ipc: target destroyed before responding")
	ErrCancelled       = errors.New("ipc: request cancelled")
	ErrClosed          = errors.New("ipc: messenger closed")

	// Transport errors
	ErrEndpointDestroyed = errors.New("ipc: object has been destroyed")
	ErrNoImplicitPeer    = errors.New("ipc: transport has no implicit peer")

	// Usage errors
	ErrReservedLabel  = errors.New("ipc: label is reserved")
	ErrEmptyLabel     = errors.New("ipc: label cannot be empty")
	ErrTargetRequired = errors.New("ipc: target is required")
	ErrHandlerExists  = errors.New("ipc: handler already registered")
	ErrAlreadyReplied = errors.New("ipc: request already answered")
)

// UnexpectedResponseError is raised when a response arrives for an id that is
// not pending: never issued, already completed, or evicted.
type UnexpectedResponseError struct {
	ID       uint64
	Envelope Envelope
}

func (e *UnexpectedResponseError) Error() string {
	if e.Envelope.Err != nil {
		return fmt.Sprintf("ipc: received unexpected response: id=%d err=%q", e.ID, *e.Envelope.Err)
	}
	return fmt.Sprintf("ipc: received unexpected response: id=%d", e.ID)
}

func (e *UnexpectedResponseError) Is(target error) bool {
	return target == ErrUnexpectedResponse
}

// RemoteError carries the error string reported by the responding handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// TransmissionError wraps a transport failure while sending a message.
type TransmissionError struct {
	Op    string // "request" or "reply"
	ID    uint64
	Label string
	Err   error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("ipc: %s transmission failed for %q (id=%d): %v", e.Op, e.Label, e.ID, e.Err)
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}

// IsEviction reports whether err is one of the expected, non-bug outcomes that
// remove a pending request without a response.
func IsEviction(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTargetDestroyed) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrClosed)
}
