package agent

import (
	"context"
	"time"

	"github.com/chadiek/live-assistant/internal/domain"
)

// CaptureEvents are the callbacks a capture session reports through. They may
// be invoked from any goroutine, but never while the adapter holds its own
// locks. All fields are optional.
type CaptureEvents struct {
	// Interim carries the running, not yet final, text of the current utterance.
	Interim func(text string)
	// Final carries a finalized segment. A session may emit several.
	Final func(text string)
	// Error reports an engine failure. End still follows.
	Error func(err error)
	// End marks the end of the session, whether natural or stopped.
	End func()
}

// Capture is a speech-to-text capability owning at most one open session.
type Capture interface {
	// Available reports whether the capability exists in this environment.
	Available() bool
	// Start opens a session. It is a no-op if one is already open.
	Start(ev CaptureEvents) error
	// Stop concludes the open session, if any. Idempotent.
	Stop()
}

// PlaybackEvents are the callbacks of a single utterance. Exactly one of End
// or Error terminates it; Start precedes both unless the utterance failed
// before any audio was produced.
type PlaybackEvents struct {
	Start func()
	End   func()
	Error func(err error)
}

// Playback is a text-to-speech capability speaking one utterance at a time.
type Playback interface {
	Available() bool
	// Speak cancels any utterance in progress and starts a new one.
	Speak(text string, ev PlaybackEvents) error
	// Stop cancels the utterance in progress. Idempotent and safe when idle.
	Stop()
}

// Replier returns one assistant utterance for an ordered conversation. The
// last message is the newest user turn. Failures are *domain.ReplyError.
type Replier interface {
	Reply(ctx context.Context, history []domain.ChatMessage) (string, error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately.
	Reset()
	// Buffered reports how much audio is queued but not yet delivered.
	Buffered() time.Duration
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so timing policy can run on simulated time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Events lets the host observe the controller. Callbacks run on the
// controller's dispatcher and must not block.
type Events struct {
	OnState func(s State)
	OnTurn  func(t domain.Turn)
	// OnInput mirrors dictated text into the typed-mode input field.
	OnInput     func(text string)
	OnError     func(err error)
	OnCallEnded func(reason EndReason)
}
