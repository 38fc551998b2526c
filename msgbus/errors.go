package msgbus

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// MalformedError is returned when a payload is not structurally valid JSON, or
// when envelope contents cannot be (un)marshaled.
type MalformedError struct {
	Cause error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope: %v", e.Cause)
}

func (e *MalformedError) Unwrap() error {
	return e.Cause
}

// UnknownKindError is returned when an envelope carries a kind outside the
// known set. Such envelopes are skipped, never fatal.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown envelope kind %q", e.Kind)
}

// UnsupportedVersionError is returned when an envelope carries a version other
// than "v1". Such envelopes are skipped, never fatal.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported envelope version %q", e.Version)
}

// OverflowError is returned by Push when the outbound queue is full. The
// envelope was dropped; the caller decides whether that matters.
type OverflowError struct {
	Topic string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("push queue full for topic %s", e.Topic)
}

// TransportError wraps a send/receive failure from the underlying transport.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
