package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/domain"
)

// Option configures a Controller.
type Option func(*Controller)

func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Controller) { c.log = l }
}

func WithEvents(ev Events) Option {
	return func(c *Controller) { c.ev = ev }
}

// WithSpawner replaces the goroutine launcher used for reply requests.
func WithSpawner(spawn func(func())) Option {
	return func(c *Controller) { c.spawn = spawn }
}

// Controller is the turn-taking state machine of the assistant widget. It
// serves typed chat at all times and, between StartCall and the end of the
// call, runs the hands-free voice loop:
//
//	Idle -> Listening -> Thinking -> Speaking -> Idle ... -> Ended
//
// Every input (public calls, adapter callbacks, timers, reply completions) is
// executed on a serial dispatcher. Each asynchronous request is tagged with
// the epoch it was issued in and a per-kind sequence number; completions
// whose tags are no longer current are dropped.
type Controller struct {
	cfg        Config
	capture    Capture
	playback   Playback
	replier    Replier
	clock      Clock
	log        *logrus.Entry
	ev         Events
	spawn      func(func())
	transcript *Transcript

	loop serial

	// Fields below are only touched on the dispatcher.
	epoch        uint64
	call         *callSession
	voiceEnabled bool
	ended        bool
	closed       bool

	captureOpen bool
	captureSeq  uint64
	captureBuf  strings.Builder

	speaking bool
	playSeq  uint64

	thinking    bool
	replySeq    uint64
	replyCancel context.CancelFunc

	settle    Timer
	settleSeq uint64

	state  atomic.Int32
	active atomic.Bool
}

// NewController builds a controller. A nil capture or playback is treated as
// an unavailable capability: typed chat still works, calls cannot start.
func NewController(capture Capture, playback Playback, replier Replier, cfg Config, opts ...Option) *Controller {
	if capture == nil {
		capture = noCapture{}
	}
	if playback == nil {
		playback = noPlayback{}
	}
	c := &Controller{
		cfg:          cfg.withDefaults(),
		capture:      capture,
		playback:     playback,
		replier:      replier,
		clock:        SystemClock(),
		log:          logrus.NewEntry(logrus.StandardLogger()),
		spawn:        func(f func()) { go f() },
		transcript:   NewTranscript(),
		voiceEnabled: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "agent")
	if c.cfg.Greeting != "" {
		c.transcript.Append(c.newTurn(domain.RoleAssistant, c.cfg.Greeting, false))
	}
	return c
}

func (c *Controller) Transcript() *Transcript { return c.transcript }

// State reports the current speaking state.
func (c *Controller) State() State { return State(c.state.Load()) }

// CallActive reports whether a voice call session exists.
func (c *Controller) CallActive() bool { return c.active.Load() }

// StartCall opens a voice call session. It fails with
// ErrCapabilityUnavailable when speech capture or playback is missing.
func (c *Controller) StartCall() error {
	if !c.capture.Available() || !c.playback.Available() {
		c.log.Warn("call cannot start: speech capability missing")
		c.loop.do(func() { c.notifyError(ErrCapabilityUnavailable) })
		return ErrCapabilityUnavailable
	}
	c.loop.do(c.startCall)
	return nil
}

// EndCall terminates the voice call session, if any.
func (c *Controller) EndCall() {
	c.loop.do(func() { c.endCall(EndByUser) })
}

// SendText submits a typed message.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) > c.cfg.MaxInputChars {
		return ErrInputTooLong
	}
	c.loop.do(func() { c.submit(text) })
	return nil
}

// SetVoiceEnabled toggles spoken replies in typed mode. Calls always speak.
func (c *Controller) SetVoiceEnabled(on bool) {
	c.loop.do(func() {
		c.voiceEnabled = on
		if !on && c.call == nil && c.speaking {
			c.stopPlayback()
			c.publish()
		}
	})
}

// StartDictation opens a capture session outside of a call; its text is
// mirrored through OnInput and sent once the speaker finishes.
func (c *Controller) StartDictation() {
	c.loop.do(func() {
		if c.closed || c.call != nil || c.captureOpen || c.thinking {
			return
		}
		if !c.capture.Available() {
			c.notifyError(ErrCapabilityUnavailable)
			return
		}
		if c.speaking {
			c.stopPlayback()
		}
		c.ended = false
		c.startCapture()
	})
}

// StopDictation concludes a dictation; whatever was recognized is sent.
func (c *Controller) StopDictation() {
	c.loop.do(func() {
		if c.call != nil || !c.captureOpen {
			return
		}
		c.capture.Stop()
	})
}

// Close ends any call and silences the widget for good.
func (c *Controller) Close() {
	c.loop.do(func() {
		c.endCall(EndByShutdown)
		c.closed = true
		c.abandonWork()
		c.publish()
	})
}

func (c *Controller) startCall() {
	if c.closed || c.call != nil {
		return
	}
	c.abandonWork()
	c.epoch++
	c.call = &callSession{epoch: c.epoch, lastActivityAt: c.clock.Now()}
	c.voiceEnabled = true
	c.ended = false
	c.active.Store(true)
	c.log.WithField("epoch", c.epoch).Info("call started")
	c.armWatchdog()
	c.publish()
	c.scheduleListen()
}

func (c *Controller) endCall(reason EndReason) {
	if c.call == nil {
		return
	}
	if c.call.watchdog != nil {
		c.call.watchdog.Stop()
	}
	c.call = nil
	c.epoch++
	c.ended = true
	c.active.Store(false)
	c.abandonWork()
	c.log.WithFields(logrus.Fields{"epoch": c.epoch, "reason": reason}).Info("call ended")
	c.publish()
	if c.ev.OnCallEnded != nil {
		c.ev.OnCallEnded(reason)
	}
}

// abandonWork cancels whatever capture, playback or reply is engaged. The
// completions they still deliver no longer match and are ignored.
func (c *Controller) abandonWork() {
	c.cancelSettle()
	if c.captureOpen {
		c.closeCapture()
	}
	if c.speaking {
		c.stopPlayback()
	}
	if c.thinking {
		c.thinking = false
		c.replySeq++
		if c.replyCancel != nil {
			c.replyCancel()
			c.replyCancel = nil
		}
	}
}

// scheduleListen arms the settle timer that reopens capture during a call.
func (c *Controller) scheduleListen() {
	if c.call == nil || c.captureOpen || c.thinking || c.speaking || c.settle != nil {
		return
	}
	c.settleSeq++
	epoch, seq := c.epoch, c.settleSeq
	c.settle = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
		c.loop.do(func() { c.onSettled(epoch, seq) })
	})
}

func (c *Controller) cancelSettle() {
	if c.settle == nil {
		return
	}
	c.settle.Stop()
	c.settle = nil
	c.settleSeq++
}

func (c *Controller) onSettled(epoch, seq uint64) {
	if epoch != c.epoch || seq != c.settleSeq || c.settle == nil {
		return
	}
	c.settle = nil
	if c.call == nil || c.captureOpen || c.thinking || c.speaking {
		return
	}
	c.startCapture()
}

func (c *Controller) startCapture() {
	c.captureSeq++
	epoch, seq := c.epoch, c.captureSeq
	c.captureOpen = true
	c.captureBuf.Reset()
	c.publish()
	err := c.capture.Start(CaptureEvents{
		Interim: func(text string) { c.loop.do(func() { c.onCaptureText(epoch, seq, text, false) }) },
		Final:   func(text string) { c.loop.do(func() { c.onCaptureText(epoch, seq, text, true) }) },
		Error:   func(err error) { c.loop.do(func() { c.onCaptureError(epoch, seq, err) }) },
		End:     func() { c.loop.do(func() { c.onCaptureEnd(epoch, seq) }) },
	})
	if err == nil {
		return
	}
	c.captureOpen = false
	c.captureSeq++
	c.log.WithError(err).Warn("capture start failed")
	c.notifyError(&CaptureError{Err: err})
	if errors.Is(err, ErrCapabilityUnavailable) {
		c.endCall(EndByCapability)
		return
	}
	c.publish()
	c.scheduleListen()
}

func (c *Controller) closeCapture() {
	c.captureOpen = false
	c.captureSeq++
	c.captureBuf.Reset()
	c.capture.Stop()
}

func (c *Controller) captureCurrent(epoch, seq uint64) bool {
	return c.captureOpen && epoch == c.epoch && seq == c.captureSeq
}

func (c *Controller) onCaptureText(epoch, seq uint64, text string, final bool) {
	if !c.captureCurrent(epoch, seq) {
		return
	}
	c.markUserActivity()
	shown := text
	if final {
		if c.captureBuf.Len() > 0 && text != "" && !strings.HasPrefix(text, " ") {
			c.captureBuf.WriteByte(' ')
		}
		c.captureBuf.WriteString(text)
		shown = c.captureBuf.String()
	} else if c.captureBuf.Len() > 0 {
		shown = c.captureBuf.String() + " " + text
	}
	if c.call == nil && c.ev.OnInput != nil {
		c.ev.OnInput(shown)
	}
}

func (c *Controller) onCaptureError(epoch, seq uint64, err error) {
	if !c.captureCurrent(epoch, seq) {
		return
	}
	c.log.WithError(err).Warn("capture error")
	c.closeCapture()
	c.notifyError(&CaptureError{Err: err})
	c.publish()
	c.scheduleListen()
}

func (c *Controller) onCaptureEnd(epoch, seq uint64) {
	if !c.captureCurrent(epoch, seq) {
		return
	}
	c.captureOpen = false
	text := strings.TrimSpace(c.captureBuf.String())
	c.captureBuf.Reset()
	if text == "" {
		c.log.Debug("capture ended without speech")
		c.publish()
		c.scheduleListen()
		return
	}
	c.submit(text)
}

// submit records a user turn and requests the reply.
func (c *Controller) submit(text string) {
	if c.closed {
		return
	}
	if c.thinking {
		c.notifyError(ErrBusy)
		return
	}
	c.ended = false
	c.cancelSettle()
	if c.captureOpen {
		c.closeCapture()
	}
	if c.speaking {
		c.stopPlayback()
	}
	c.markUserActivity()

	turn := c.newTurn(domain.RoleUser, text, false)
	c.transcript.Append(turn)
	c.notifyTurn(turn)
	history := c.transcript.Messages()

	c.replySeq++
	epoch, seq := c.epoch, c.replySeq
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReplyTimeout)
	c.thinking = true
	c.replyCancel = cancel
	c.publish()
	c.log.WithField("turns", len(history)).Debug("requesting reply")

	replier := c.replier
	c.spawn(func() {
		reply, err := replier.Reply(ctx, history)
		c.loop.do(func() { c.onReply(epoch, seq, reply, err) })
	})
}

func (c *Controller) onReply(epoch, seq uint64, reply string, err error) {
	if !c.thinking || epoch != c.epoch || seq != c.replySeq {
		c.log.WithField("epoch", epoch).Debug("discarding stale reply")
		return
	}
	c.thinking = false
	if c.replyCancel != nil {
		c.replyCancel()
		c.replyCancel = nil
	}
	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = domain.NewReplyError(domain.ReplyMalformed, "empty_reply", nil)
	}
	if err != nil {
		entry := c.log.WithError(err)
		var re *domain.ReplyError
		if errors.As(err, &re) {
			entry = entry.WithFields(logrus.Fields{"reply_kind": re.Kind, "reason": re.Reason})
		}
		entry.Warn("reply failed")
		turn := c.newTurn(domain.RoleAssistant, errorTurnText(err), true)
		c.transcript.Append(turn)
		c.notifyTurn(turn)
		c.notifyError(err)
		if c.call == nil {
			c.publish()
			return
		}
		c.speak(c.cfg.ApologyPrompt)
		return
	}
	turn := c.newTurn(domain.RoleAssistant, reply, false)
	c.transcript.Append(turn)
	c.notifyTurn(turn)
	c.speak(reply)
}

// speak starts an utterance. Outside a call it honours the voice preference.
func (c *Controller) speak(text string) {
	if (c.call == nil && !c.voiceEnabled) || !c.playback.Available() {
		c.publish()
		c.scheduleListen()
		return
	}
	c.cancelSettle()
	if c.captureOpen {
		c.closeCapture()
	}
	c.playSeq++
	epoch, seq := c.epoch, c.playSeq
	c.speaking = true
	c.publish()
	err := c.playback.Speak(text, PlaybackEvents{
		Start: func() { c.loop.do(func() { c.onPlaybackStart(epoch, seq) }) },
		End:   func() { c.loop.do(func() { c.onPlaybackDone(epoch, seq, nil) }) },
		Error: func(err error) { c.loop.do(func() { c.onPlaybackDone(epoch, seq, err) }) },
	})
	if err != nil {
		c.onPlaybackDone(epoch, seq, err)
	}
}

func (c *Controller) stopPlayback() {
	c.speaking = false
	c.playSeq++
	c.playback.Stop()
}

func (c *Controller) onPlaybackStart(epoch, seq uint64) {
	if !c.speaking || epoch != c.epoch || seq != c.playSeq {
		return
	}
	c.markActivity()
}

func (c *Controller) onPlaybackDone(epoch, seq uint64, err error) {
	if !c.speaking || epoch != c.epoch || seq != c.playSeq {
		return
	}
	c.speaking = false
	if err != nil {
		c.log.WithError(err).Warn("playback error")
		c.notifyError(&PlaybackError{Err: err})
	}
	c.markActivity()
	c.publish()
	c.scheduleListen()
}

func (c *Controller) derive() State {
	switch {
	case c.captureOpen:
		return StateListening
	case c.thinking:
		return StateThinking
	case c.speaking:
		return StateSpeaking
	case c.ended && c.call == nil:
		return StateEnded
	default:
		return StateIdle
	}
}

// publish recomputes the derived state and reports a change.
func (c *Controller) publish() {
	s := c.derive()
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.WithField("state", s).Debug("state changed")
	if c.ev.OnState != nil {
		c.ev.OnState(s)
	}
}

func (c *Controller) notifyTurn(t domain.Turn) {
	if c.ev.OnTurn != nil {
		c.ev.OnTurn(t)
	}
}

func (c *Controller) notifyError(err error) {
	if c.ev.OnError != nil {
		c.ev.OnError(err)
	}
}

func (c *Controller) newTurn(role domain.Role, text string, isError bool) domain.Turn {
	return domain.Turn{
		ID:        newID(),
		Role:      role,
		Text:      text,
		CreatedAt: c.clock.Now(),
		IsError:   isError,
	}
}

func errorTurnText(err error) string {
	msg := "Connection failed"
	var re *domain.ReplyError
	if errors.As(err, &re) {
		switch re.Kind {
		case domain.ReplyAuth:
			msg = "Missing or invalid API key"
		case domain.ReplyMalformed:
			msg = "Unexpected response from the assistant"
		}
	}
	return fmt.Sprintf("Error: %s. Please try again.", msg)
}

var newID = func() string {
	return uuid.NewString()
}

type noCapture struct{}

func (noCapture) Available() bool             { return false }
func (noCapture) Start(_ CaptureEvents) error { return ErrCapabilityUnavailable }
func (noCapture) Stop()                       {}

type noPlayback struct{}

func (noPlayback) Available() bool                      { return false }
func (noPlayback) Speak(_ string, _ PlaybackEvents) error { return ErrCapabilityUnavailable }
func (noPlayback) Stop()                                {}
