package rtc

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/agent"
	"github.com/chadiek/live-assistant/internal/domain"
)

// Controls is the part of the controller driven from the control channel.
type Controls interface {
	StartCall() error
	EndCall()
	SendText(text string) error
	StartDictation()
	StopDictation()
	SetVoiceEnabled(on bool)
}

// controlRequest is a client command on the "control" data channel.
type controlRequest struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// controlEvent is pushed to the client.
type controlEvent struct {
	Type   string       `json:"type"`
	State  string       `json:"state,omitempty"`
	Turn   *domain.Turn `json:"turn,omitempty"`
	Text   string       `json:"text,omitempty"`
	Code   string       `json:"code,omitempty"`
	Error  string       `json:"error,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type controlChannel struct {
	ctrl Controls
	log  *logrus.Entry

	mu   sync.Mutex
	send func([]byte) error
}

func newControlChannel(log *logrus.Entry) *controlChannel {
	return &controlChannel{log: log}
}

// attach starts delivery to the client and replays what it missed.
func (c *controlChannel) attach(send func([]byte) error, backlog []domain.Turn, state agent.State) {
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
	for i := range backlog {
		c.emit(controlEvent{Type: "turn", Turn: &backlog[i]})
	}
	c.emit(controlEvent{Type: "state", State: state.String()})
}

func (c *controlChannel) detach() {
	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
}

func (c *controlChannel) handle(data []byte) {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		req.Type = plainCommand(string(data))
	}
	switch req.Type {
	case "start_call":
		if err := c.ctrl.StartCall(); err != nil {
			c.log.WithError(err).Info("call not started")
		}
	case "end_call":
		c.ctrl.EndCall()
	case "text":
		if err := c.ctrl.SendText(req.Text); err != nil {
			c.emitError(err)
		}
	case "dictate_start":
		c.ctrl.StartDictation()
	case "dictate_stop":
		c.ctrl.StopDictation()
	case "voice":
		if req.Enabled != nil {
			c.ctrl.SetVoiceEnabled(*req.Enabled)
		}
	default:
		c.log.WithField("type", req.Type).Debug("ignoring control message")
	}
}

// plainCommand maps bare text commands sent by simple clients.
func plainCommand(cmd string) string {
	switch strings.TrimSpace(strings.ToLower(cmd)) {
	case "call", "start":
		return "start_call"
	case "stop", "hangup", "end":
		return "end_call"
	}
	return ""
}

func (c *controlChannel) events() agent.Events {
	return agent.Events{
		OnState: func(s agent.State) { c.emit(controlEvent{Type: "state", State: s.String()}) },
		OnTurn:  func(t domain.Turn) { c.emit(controlEvent{Type: "turn", Turn: &t}) },
		OnInput: func(text string) { c.emit(controlEvent{Type: "input", Text: text}) },
		OnError: c.emitError,
		OnCallEnded: func(r agent.EndReason) {
			c.emit(controlEvent{Type: "call_ended", Reason: string(r)})
		},
	}
}

func (c *controlChannel) emitError(err error) {
	c.emit(controlEvent{Type: "error", Code: errorCode(err), Error: err.Error()})
}

func (c *controlChannel) emit(ev controlEvent) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.WithError(err).Warn("encode control event")
		return
	}
	if err := send(b); err != nil {
		c.log.WithError(err).Debug("control send failed")
	}
}

func errorCode(err error) string {
	var (
		re *domain.ReplyError
		ce *agent.CaptureError
		pe *agent.PlaybackError
	)
	switch {
	case errors.Is(err, agent.ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, agent.ErrInputTooLong):
		return "input_too_long"
	case errors.Is(err, agent.ErrBusy):
		return "busy"
	case errors.As(err, &re):
		return "reply_" + string(re.Kind)
	case errors.As(err, &ce):
		return "capture"
	case errors.As(err, &pe):
		return "playback"
	}
	return "internal"
}
