package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-assistant/internal/domain"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order. Timers
// registered by a firing callback run in the same call if they fall due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			live = append(live, t)
			if !t.at.After(target) && (next == nil || t.at.Before(next.at)) {
				next = t
			}
		}
		c.timers = live
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

type fakeCapture struct {
	h         *harness
	available bool
	startErr  error
	starts    int
	stops     int
	open      bool
	ev        CaptureEvents
}

func (f *fakeCapture) Available() bool { return f.available }

func (f *fakeCapture) Start(ev CaptureEvents) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.h.assertExclusive("capture start")
	f.starts++
	f.open = true
	f.ev = ev
	return nil
}

func (f *fakeCapture) Stop() {
	f.stops++
	if !f.open {
		return
	}
	f.open = false
	if f.ev.End != nil {
		f.ev.End()
	}
}

func (f *fakeCapture) interim(text string) { f.ev.Interim(text) }
func (f *fakeCapture) final(text string)   { f.ev.Final(text) }

func (f *fakeCapture) end() {
	f.open = false
	f.ev.End()
}

func (f *fakeCapture) fail(err error) {
	f.ev.Error(err)
	f.open = false
	f.ev.End()
}

type fakePlayback struct {
	h         *harness
	available bool
	speakErr  error
	spoken    []string
	stops     int
	active    bool
	ev        PlaybackEvents
}

func (f *fakePlayback) Available() bool { return f.available }

func (f *fakePlayback) Speak(text string, ev PlaybackEvents) error {
	if f.h.capture.open {
		f.h.t.Errorf("speak %q while capture is open", text)
	}
	f.spoken = append(f.spoken, text)
	if f.speakErr != nil {
		return f.speakErr
	}
	f.active = true
	f.ev = ev
	return nil
}

func (f *fakePlayback) Stop() {
	f.stops++
	if !f.active {
		return
	}
	f.active = false
	f.ev.End()
}

func (f *fakePlayback) start() { f.ev.Start() }

func (f *fakePlayback) finish() {
	f.active = false
	f.ev.End()
}

func (f *fakePlayback) fail(err error) {
	f.active = false
	f.ev.Error(err)
}

type fakeReplier struct {
	reply   string
	err     error
	calls   int
	history [][]domain.ChatMessage
}

func (f *fakeReplier) Reply(_ context.Context, history []domain.ChatMessage) (string, error) {
	f.calls++
	f.history = append(f.history, history)
	return f.reply, f.err
}

// harness drives a Controller entirely on the test goroutine: timers fire
// from fakeClock.Advance and reply requests are parked until runReplies.
type harness struct {
	t        *testing.T
	clk      *fakeClock
	capture  *fakeCapture
	playback *fakePlayback
	replier  *fakeReplier
	ctrl     *Controller

	pending []func()
	states  []State
	turns   []domain.Turn
	errs    []error
	inputs  []string
	ended   []EndReason
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, clk: newFakeClock(), replier: &fakeReplier{reply: "ok"}}
	h.capture = &fakeCapture{h: h, available: true}
	h.playback = &fakePlayback{h: h, available: true}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.ctrl = NewController(h.capture, h.playback, h.replier, cfg,
		WithClock(h.clk),
		WithLogger(logrus.NewEntry(logger)),
		WithSpawner(func(f func()) { h.pending = append(h.pending, f) }),
		WithEvents(Events{
			OnState:     func(s State) { h.states = append(h.states, s) },
			OnTurn:      func(turn domain.Turn) { h.turns = append(h.turns, turn) },
			OnInput:     func(text string) { h.inputs = append(h.inputs, text) },
			OnError:     func(err error) { h.errs = append(h.errs, err) },
			OnCallEnded: func(r EndReason) { h.ended = append(h.ended, r) },
		}),
	)
	return h
}

// runReplies completes every parked reply request.
func (h *harness) runReplies() {
	for len(h.pending) > 0 {
		f := h.pending[0]
		h.pending = h.pending[1:]
		f()
	}
}

func (h *harness) assertExclusive(what string) {
	if h.playback.active {
		h.t.Errorf("%s while playback is active", what)
	}
	if h.ctrl.State() == StateThinking {
		h.t.Errorf("%s while a reply is pending", what)
	}
}

// listen starts a call and lets the settle delay pass.
func (h *harness) listen() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.StartCall())
	h.clk.Advance(h.ctrl.cfg.SettleDelay)
	require.Equal(h.t, StateListening, h.ctrl.State())
}
