package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable means speech capture or playback is missing;
	// the call cannot start.
	ErrCapabilityUnavailable = errors.New("agent: speech capability unavailable")
	ErrInputTooLong          = errors.New("agent: message too long")
	// ErrBusy is reported when a message is sent while a reply is pending.
	ErrBusy = errors.New("agent: reply already in flight")
)

// CaptureError is a recognition failure in the middle of a capture session.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("agent: capture failed: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// PlaybackError is a synthesis or output failure of one utterance.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string { return fmt.Sprintf("agent: playback failed: %v", e.Err) }
func (e *PlaybackError) Unwrap() error { return e.Err }
