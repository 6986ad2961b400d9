package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCallInProgress rejects a start/accept while a non-terminal
	// session exists. The overlapping attempt is dropped, not queued.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrConnectionFailed marks an ICE/connection failure. Surfaced via
	// status, never returned asynchronously into unrelated code.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSignalingUnavailable wraps a failed outbound signaling send.
	// The engine does not retry; the transport owns reliability.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrNoVideoTrack is returned when a filter is applied to a stream
	// that has no video track to render from.
	ErrNoVideoTrack = errors.New("no video track")
)

// DeviceError reports that local capture could not be acquired
// (permission denied, hardware absent). Session-fatal: the attempt is
// aborted, cleaned up, and the error returned to the caller.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NegotiationError wraps a malformed or unexpected SDP/candidate. Per
// item it is logged and skipped; only a failure that prevents the
// session from reaching Connected escalates to ErrConnectionFailed.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
