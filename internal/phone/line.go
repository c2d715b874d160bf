// Package phone serves the assistant over a Twilio phone number. Each call
// runs the same turn-taking policy as the browser widget, expressed as TwiML:
// speak, then gather speech with a timeout, then warn once, then hang up.
package phone

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/live-assistant/internal/agent"
	"github.com/chadiek/live-assistant/internal/domain"
	"github.com/chadiek/live-assistant/internal/infra/storage"
	"github.com/chadiek/live-assistant/internal/middleware"
)

const (
	stageWarn = "warn"
	stageEnd  = "end"

	goodbyePrompt = "Thanks for calling. Goodbye!"

	// maxReplyWait stays under the 15s Twilio waits for a webhook response.
	maxReplyWait = 12 * time.Second
	// abandonAfter drops calls whose hang-up was never reported.
	abandonAfter = 10 * time.Minute
)

// Archiver persists the transcript of a finished call.
type Archiver interface {
	SaveTranscript(ctx context.Context, call storage.ArchivedCall) error
}

type phoneCall struct {
	transcript *agent.Transcript
	from       string
	lastSeen   time.Time
}

// Line keeps one transcript per CallSid between webhook requests.
type Line struct {
	replier  agent.Replier
	archive  Archiver
	cfg      agent.Config
	language string
	log      *logrus.Entry
	now      func() time.Time

	mu    sync.Mutex
	calls map[string]*phoneCall
}

func NewLine(replier agent.Replier, cfg agent.Config, language string) *Line {
	d := agent.DefaultConfig()
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = d.WarnAfter
	}
	if cfg.EndAfter <= cfg.WarnAfter {
		cfg.EndAfter = 2 * cfg.WarnAfter
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = d.ReplyTimeout
	}
	if cfg.ReplyTimeout > maxReplyWait {
		cfg.ReplyTimeout = maxReplyWait
	}
	if cfg.Greeting == "" {
		cfg.Greeting = d.Greeting
	}
	if cfg.WarningPrompt == "" {
		cfg.WarningPrompt = d.WarningPrompt
	}
	if cfg.ApologyPrompt == "" {
		cfg.ApologyPrompt = d.ApologyPrompt
	}
	return &Line{
		replier:  replier,
		cfg:      cfg,
		language: language,
		log:      logrus.WithField("component", "phone"),
		now:      time.Now,
		calls:    make(map[string]*phoneCall),
	}
}

func (l *Line) WithArchive(a Archiver) *Line {
	l.archive = a
	return l
}

// Register mounts the webhooks on g; g is expected to carry the signature
// middleware.
func (l *Line) Register(g *echo.Group) {
	g.POST("/voice", l.voice)
	g.POST("/turn", l.turn)
	g.POST("/silence", l.silence)
	g.POST("/status", l.status)
}

// voice answers an incoming call with the greeting.
func (l *Line) voice(c echo.Context) error {
	params, ok := twilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := params["CallSid"]
	call := l.open(sid, params["From"])
	l.log.WithFields(logrus.Fields{"call_sid": sid, "from": params["From"]}).Info("incoming call")

	call.transcript.Append(l.newTurn(domain.RoleAssistant, l.cfg.Greeting, false))
	return l.respond(c, l.listen(&twiml.VoiceSay{Message: l.cfg.Greeting, Language: l.language}, l.cfg.WarnAfter, stageWarn)...)
}

// turn receives a recognized utterance and speaks the reply.
func (l *Line) turn(c echo.Context) error {
	params, ok := twilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := params["CallSid"]
	call := l.open(sid, params["From"])
	text := strings.TrimSpace(params["SpeechResult"])
	if text == "" {
		return l.respond(c, l.listen(nil, l.cfg.WarnAfter, stageWarn)...)
	}

	call.transcript.Append(l.newTurn(domain.RoleUser, text, false))
	ctx, cancel := context.WithTimeout(c.Request().Context(), l.cfg.ReplyTimeout)
	defer cancel()
	reply, err := l.replier.Reply(ctx, call.transcript.Messages())
	if err == nil && strings.TrimSpace(reply) == "" {
		err = domain.NewReplyError(domain.ReplyMalformed, "empty reply", nil)
	}

	var say string
	if err != nil {
		l.log.WithError(err).WithField("call_sid", sid).Warn("reply failed")
		call.transcript.Append(l.newTurn(domain.RoleAssistant, err.Error(), true))
		say = l.cfg.ApologyPrompt
	} else {
		reply = strings.TrimSpace(reply)
		call.transcript.Append(l.newTurn(domain.RoleAssistant, reply, false))
		say = reply
	}
	return l.respond(c, l.listen(&twiml.VoiceSay{Message: say, Language: l.language}, l.cfg.WarnAfter, stageWarn)...)
}

// silence runs when a Gather timed out: the first time the caller is asked
// whether they need anything else, the second time the call ends.
func (l *Line) silence(c echo.Context) error {
	params, ok := twilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := params["CallSid"]
	if c.QueryParam("stage") == stageEnd {
		l.log.WithField("call_sid", sid).Info("ending call after inactivity")
		l.finish(sid)
		return l.respond(c,
			&twiml.VoiceSay{Message: goodbyePrompt, Language: l.language},
			&twiml.VoiceHangup{},
		)
	}
	call := l.open(sid, params["From"])
	call.transcript.Append(l.newTurn(domain.RoleAssistant, l.cfg.WarningPrompt, false))
	return l.respond(c, l.listen(&twiml.VoiceSay{Message: l.cfg.WarningPrompt, Language: l.language}, l.cfg.EndAfter, stageEnd)...)
}

// status receives call progress callbacks; a terminal status archives the
// transcript.
func (l *Line) status(c echo.Context) error {
	params, ok := twilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	switch params["CallStatus"] {
	case "completed", "busy", "failed", "no-answer", "canceled":
		l.finish(params["CallSid"])
	}
	return c.String(http.StatusOK, "OK")
}

// listen speaks say (if any), then gathers speech for timeout. Say is not
// nested in Gather so the caller cannot be heard while the assistant talks.
func (l *Line) listen(say *twiml.VoiceSay, timeout time.Duration, next string) []twiml.Element {
	var verbs []twiml.Element
	if say != nil {
		verbs = append(verbs, say)
	}
	return append(verbs,
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        "/twilio/turn",
			Method:        http.MethodPost,
			Timeout:       seconds(timeout),
			SpeechTimeout: "auto",
			Language:      l.language,
		},
		&twiml.VoiceRedirect{Url: "/twilio/silence?stage=" + next, Method: http.MethodPost},
	)
}

func (l *Line) respond(c echo.Context, verbs ...twiml.Element) error {
	body, err := twiml.Voice(verbs)
	if err != nil {
		l.log.WithError(err).Error("failed to build TwiML")
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationXML)
	return c.String(http.StatusOK, body)
}

// open returns the call for sid, creating it on first sight. Calls idle
// longer than abandonAfter are evicted and archived on the way.
func (l *Line) open(sid, from string) *phoneCall {
	now := l.now()
	l.mu.Lock()
	call, ok := l.calls[sid]
	if !ok {
		call = &phoneCall{transcript: agent.NewTranscript(), from: from}
		l.calls[sid] = call
	}
	call.lastSeen = now
	abandoned := map[string]*phoneCall{}
	for id, c := range l.calls {
		if now.Sub(c.lastSeen) > abandonAfter {
			abandoned[id] = c
			delete(l.calls, id)
		}
	}
	l.mu.Unlock()

	if len(abandoned) > 0 {
		go func() {
			for id, c := range abandoned {
				l.log.WithField("call_sid", id).Info("evicting abandoned call")
				l.archiveCall(id, c)
			}
		}()
	}
	return call
}

// finish forgets the call and archives its transcript.
func (l *Line) finish(sid string) {
	l.mu.Lock()
	call, ok := l.calls[sid]
	delete(l.calls, sid)
	l.mu.Unlock()
	if ok {
		l.archiveCall(sid, call)
	}
}

// archiveCall stores the transcript if the caller spoke.
func (l *Line) archiveCall(sid string, call *phoneCall) {
	if l.archive == nil {
		return
	}
	turns := call.transcript.Turns()
	spoke := false
	for _, t := range turns {
		if t.Role == domain.RoleUser {
			spoke = true
			break
		}
	}
	if !spoke {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := l.archive.SaveTranscript(ctx, storage.ArchivedCall{
		CallID:   sid,
		Channel:  "phone",
		EndedAt:  l.now().UTC(),
		Turns:    turns,
		Language: l.language,
	})
	if err != nil {
		l.log.WithError(err).WithField("call_sid", sid).Warn("transcript archive failed")
	}
}

// active reports how many calls are in progress.
func (l *Line) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *Line) newTurn(role domain.Role, text string, isError bool) domain.Turn {
	return domain.Turn{ID: uuid.NewString(), Role: role, Text: text, CreatedAt: l.now(), IsError: isError}
}

func twilioParams(c echo.Context) (map[string]string, bool) {
	params, ok := c.Get(middleware.TwilioParamsKey).(map[string]string)
	return params, ok
}

// seconds renders d as a whole number of seconds, at least one.
func seconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return fmt.Sprintf("%d", s)
}
