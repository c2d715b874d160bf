package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/agent"
)

const DefaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// SILENCE_THRESHOLD is the base inactivity window required before we consider an utterance complete.
// Keep conservative to avoid cutting user mid-sentence.
const SILENCE_THRESHOLD = 700 * time.Millisecond

// CONTINUATION_EXTENSION extends the threshold when the last word implies continuation.
const CONTINUATION_EXTENSION = 1200 * time.Millisecond

// NO_SPEECH_TIMEOUT ends a capture session in which nothing was recognized.
const NO_SPEECH_TIMEOUT = 8 * time.Second

// AssemblyAIService is a streaming speech recognizer. One websocket carries
// the whole call; Start and Stop open and close logical capture sessions on
// top of it, and audio received outside a session is not forwarded.
type AssemblyAIService struct {
	apiKey   string
	Endpoint string
	Silence  time.Duration
	NoSpeech time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	audioData chan []byte
	stopCh    chan struct{}

	// utterance accumulation
	session                 *captureSession
	turnOrder               int
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	// last time we detected non-silent voice energy in the incoming PCM
	lastVoiceTime time.Time
}

type captureSession struct {
	ev      agent.CaptureEvents
	started time.Time
	heard   bool
	// resettable timer to detect end-of-utterance based on inactivity
	timer *time.Timer
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type           string `json:"type"`
	TurnOrder      int    `json:"turn_order"`
	Transcript     string `json:"transcript"`
	EndOfTurn      bool   `json:"end_of_turn"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates a new transcription service
func NewAssemblyAIService(apiKey string) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey:   apiKey,
		Endpoint: DefaultEndpoint,
		Silence:  SILENCE_THRESHOLD,
		NoSpeech: NO_SPEECH_TIMEOUT,
		log:      logrus.WithField("component", "assemblyai"),
	}
}

// Available reports whether the service is configured.
func (s *AssemblyAIService) Available() bool { return s.apiKey != "" }

// Connect establishes WebSocket connection to AssemblyAI
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return agent.ErrCapabilityUnavailable
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := s.Endpoint + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, http.Header{"Authorization": {s.apiKey}})
	if err != nil {
		entry := s.log.WithError(err)
		if resp != nil {
			entry = entry.WithField("status", resp.StatusCode)
		}
		entry.Warn("connection failed")
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.audioData = make(chan []byte, 1000)
	s.stopCh = make(chan struct{})
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now()

	go s.handleMessages(conn, s.stopCh)
	go s.sendAudioData(conn, s.audioData, s.stopCh)

	s.log.Info("connected to streaming service")
	return nil
}

// Start opens a capture session, connecting first if needed.
func (s *AssemblyAIService) Start(ev agent.CaptureEvents) error {
	if err := s.Connect(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return nil
	}
	sess := &captureSession{ev: ev, started: time.Now()}
	s.committedFullTranscript = s.latestFullTranscript
	s.session = sess
	sess.timer = time.AfterFunc(s.NoSpeech, func() { s.finalizeDueToSilence(sess) })
	return nil
}

// Stop concludes the open session: pending words are delivered as a final
// segment, then End.
func (s *AssemblyAIService) Stop() {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.mu.Unlock()
		return
	}
	delta := s.endSessionLocked()
	s.mu.Unlock()
	emitEnd(sess, delta)
}

// SendPCM16KLE queues 16kHz mono PCM for recognition.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.detectVoiceActivity(pcm)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("assemblyai: not connected")
	}
	if s.session == nil {
		return nil
	}
	select {
	case s.audioData <- pcm:
	default:
		s.log.Debug("audio buffer full, dropping packet")
	}
	return nil
}

// detectVoiceActivity updates lastVoiceTime if PCM buffer contains voice energy above a threshold.
// Expects 16-bit little-endian PCM mono at 16 kHz.
func (s *AssemblyAIService) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.mu.Lock()
		s.lastVoiceTime = time.Now()
		s.mu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether non-silent voice energy was observed within the given window.
func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.mu.Lock()
	last := s.lastVoiceTime
	s.mu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the streaming session. An open capture session ends.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	conn := s.conn
	s.conn = nil
	s.connected = false
	sess := s.session
	var delta string
	if sess != nil {
		delta = s.endSessionLocked()
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
	s.writeMu.Unlock()
	_ = conn.Close()
	if sess != nil {
		emitEnd(sess, delta)
	}
	s.log.Info("connection closed")
	return nil
}

func (s *AssemblyAIService) dropConnection(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.conn = nil
	s.connected = false
	sess := s.session
	if sess != nil {
		sess.timer.Stop()
		s.session = nil
	}
	s.mu.Unlock()

	_ = conn.Close()
	s.log.WithError(err).Warn("connection lost")
	if sess != nil {
		if sess.ev.Error != nil {
			sess.ev.Error(fmt.Errorf("assemblyai: %w", err))
		}
		if sess.ev.End != nil {
			sess.ev.End()
		}
	}
}

// handleMessages processes incoming WebSocket messages
func (s *AssemblyAIService) handleMessages(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				s.dropConnection(conn, err)
			}
			return
		}
		s.processMessage(message)
	}
}

// processMessage handles different message types from AssemblyAI
func (s *AssemblyAIService) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.WithError(err).Warn("unreadable message")
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.WithError(err).Warn("unreadable Begin message")
			return
		}
		s.log.WithFields(logrus.Fields{
			"id":         msg.ID,
			"expires_at": time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339),
		}).Info("session began")
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.WithError(err).Warn("unreadable Turn message")
			return
		}
		s.handleTurn(msg)
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.WithError(err).Warn("unreadable Termination message")
			return
		}
		s.log.WithFields(logrus.Fields{
			"audio_seconds":   msg.AudioDurationSeconds,
			"session_seconds": msg.SessionDurationSeconds,
		}).Info("session terminated")
		s.Stop()
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.WithError(err).Warn("unreadable Error message")
			return
		}
		s.log.WithField("error", msg.Error).Warn("recognition error")
		s.fail(fmt.Errorf("assemblyai: %s", msg.Error))
	default:
		s.log.WithField("type", base.Type).Debug("unknown message type")
	}
}

func (s *AssemblyAIService) handleTurn(msg TurnMessage) {
	s.mu.Lock()
	if msg.TurnOrder != s.turnOrder {
		s.turnOrder = msg.TurnOrder
		s.latestFullTranscript = ""
		s.committedFullTranscript = ""
	}
	if msg.Transcript == "" {
		s.mu.Unlock()
		return
	}
	s.latestFullTranscript = msg.Transcript
	s.lastUpdateTime = time.Now()
	sess := s.session
	if sess == nil {
		// words spoken outside a session never reach the next one
		s.committedFullTranscript = msg.Transcript
		s.mu.Unlock()
		return
	}
	sess.heard = true
	delta := s.pendingDeltaLocked()
	final := msg.EndOfTurn && delta != ""
	if final {
		s.committedFullTranscript = msg.Transcript
	}
	sess.timer.Stop()
	sess.timer.Reset(s.Silence)
	s.mu.Unlock()

	switch {
	case final && sess.ev.Final != nil:
		sess.ev.Final(delta)
	case !final && delta != "" && sess.ev.Interim != nil:
		sess.ev.Interim(delta)
	}
}

func (s *AssemblyAIService) fail(err error) {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.mu.Unlock()
		return
	}
	sess.timer.Stop()
	s.session = nil
	s.committedFullTranscript = s.latestFullTranscript
	s.mu.Unlock()

	if sess.ev.Error != nil {
		sess.ev.Error(err)
	}
	if sess.ev.End != nil {
		sess.ev.End()
	}
}

// finalizeDueToSilence runs when sess's timer fires. It reschedules itself
// until the speaker has been quiet long enough, then concludes the session.
func (s *AssemblyAIService) finalizeDueToSilence(sess *captureSession) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	var wait time.Duration
	if !sess.heard {
		wait = s.NoSpeech - now.Sub(sess.started)
	} else {
		// Dynamically extend threshold for continuation-like endings
		threshold := s.Silence
		if isContinuationLikely(s.latestFullTranscript) {
			threshold += CONTINUATION_EXTENSION
		}
		wait = threshold - now.Sub(s.lastUpdateTime)
		if rem := threshold - now.Sub(s.lastVoiceTime); rem > wait {
			wait = rem
		}
	}
	if wait > 0 {
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		sess.timer.Reset(wait)
		s.mu.Unlock()
		return
	}
	delta := s.endSessionLocked()
	s.mu.Unlock()

	s.log.WithField("heard", sess.heard).Debug("capture concluded by silence")
	emitEnd(sess, delta)
}

// endSessionLocked closes the current session and returns the words not yet
// delivered as final.
func (s *AssemblyAIService) endSessionLocked() string {
	s.session.timer.Stop()
	s.session = nil
	delta := s.pendingDeltaLocked()
	s.committedFullTranscript = s.latestFullTranscript
	return delta
}

// pendingDeltaLocked returns the words since the last committed transcript.
func (s *AssemblyAIService) pendingDeltaLocked() string {
	latest := s.latestFullTranscript
	base := s.committedFullTranscript
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return delta
}

func emitEnd(sess *captureSession, delta string) {
	if delta != "" && sess.ev.Final != nil {
		sess.ev.Final(delta)
	}
	if sess.ev.End != nil {
		sess.ev.End()
	}
}

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Common prepositions that are awkward sentence endings
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

// sendAudioData sends queued audio data to AssemblyAI
func (s *AssemblyAIService) sendAudioData(conn *websocket.Conn, audio <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pcm := <-audio:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, pcm)
			s.writeMu.Unlock()
			if err != nil {
				s.log.WithError(err).Warn("sending audio failed")
				return
			}
		}
	}
}
