package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/agent"
	"github.com/chadiek/live-assistant/internal/domain"
	"github.com/chadiek/live-assistant/internal/infra/storage"
	"github.com/chadiek/live-assistant/internal/transcript"
	"github.com/chadiek/live-assistant/internal/tts"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Archiver persists the transcript of a finished call.
type Archiver interface {
	SaveTranscript(ctx context.Context, call storage.ArchivedCall) error
}

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// Handler answers WebRTC offers. Every peer connection hosts one assistant
// widget: a controller whose capture is the remote microphone and whose
// playback is the outgoing audio track, steered over the "control" data
// channel.
type Handler struct {
	assemblyAIKey string
	replier       agent.Replier
	synth         tts.Synthesizer
	archive       Archiver
	turnTaking    agent.Config
	language      string
	iceServers    []webrtc.ICEServer
	log           *logrus.Entry
}

func NewHandler(assemblyAIKey string, replier agent.Replier, synth tts.Synthesizer) *Handler {
	return &Handler{
		assemblyAIKey: assemblyAIKey,
		replier:       replier,
		synth:         synth,
		turnTaking:    agent.DefaultConfig(),
		iceServers:    defaultICEServers,
		log:           logrus.WithField("component", "rtc"),
	}
}

func (h *Handler) WithArchive(a Archiver) *Handler {
	h.archive = a
	return h
}

func (h *Handler) WithTurnTaking(cfg agent.Config, language string) *Handler {
	h.turnTaking, h.language = cfg, language
	return h
}

// WithICEServersJSON parses a JSON array of RTCIceServer objects. Invalid
// input keeps the default STUN server.
func (h *Handler) WithICEServersJSON(raw string) *Handler {
	if raw == "" {
		return h
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(raw), &servers); err != nil || len(servers) == 0 {
		h.log.WithError(err).Warn("invalid ICE_SERVERS_JSON, using default STUN server")
		return h
	}
	h.iceServers = servers
	return h
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := newCallID()
	log := h.log.WithField("call_id", callID)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	speaker, err := NewSpeaker(outTrack)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	capture := transcript.NewAssemblyAIService(h.assemblyAIKey)
	var playback agent.Playback
	if h.synth != nil {
		playback = tts.NewPlayer(h.synth, speaker)
	}
	control := newControlChannel(log)
	ctrl := agent.NewController(capture, playback, h.replier, h.turnTaking,
		agent.WithLogger(log),
		agent.WithEvents(control.events()),
	)
	control.ctrl = ctrl

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			ctrl.Close()
			_ = capture.Close()
			speaker.Close()
			_ = peerConnection.Close()
			h.archiveCall(log, callID, ctrl.Transcript().Turns())
		})
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.WithField("state", state.String()).Info("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			teardown()
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.WithField("ice_state", state.String()).Debug("ICE state")
	})

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnOpen(func() {
			log.Info("control channel opened")
			control.attach(func(b []byte) error { return dc.SendText(string(b)) }, ctrl.Transcript().Turns(), ctrl.State())
		})
		dc.OnClose(control.detach)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { control.handle(msg.Data) })
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.WithField("codec", remote.Codec().MimeType).Info("remote audio track received")
		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			log.WithError(err).Error("opus decoder")
			return
		}
		go readMicrophone(log, remote, dec, capture)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		teardown()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		teardown()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		teardown()
		return SessionDescription{}, ctx.Err()
	}
	local := peerConnection.LocalDescription()
	if local == nil {
		teardown()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMicrophone decodes the caller's Opus audio to 16kHz PCM and feeds the
// recognizer in 100ms chunks.
func readMicrophone(log *logrus.Entry, remote *webrtc.TrackRemote, dec *opus.Decoder, mic pcmSink) {
	samples := make([]int16, 1920)
	var buf []byte
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.WithError(err).Debug("RTP read stopped")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.WithError(err).Debug("opus decode")
			continue
		}
		buf = appendPCM(buf, samples[:n])
		buf = forwardChunks(buf, mic)
	}
}

const micChunkBytes = 3200

type pcmSink interface {
	SendPCM16KLE(pcm []byte) error
}

func appendPCM(buf []byte, samples []int16) []byte {
	for _, v := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	return buf
}

// forwardChunks sends every whole chunk in buf and returns the remainder.
func forwardChunks(buf []byte, mic pcmSink) []byte {
	for len(buf) >= micChunkBytes {
		chunk := make([]byte, micChunkBytes)
		copy(chunk, buf)
		// fails between calls when the recognizer is not connected
		_ = mic.SendPCM16KLE(chunk)
		buf = append(buf[:0], buf[micChunkBytes:]...)
	}
	return buf
}

func (h *Handler) archiveCall(log *logrus.Entry, callID string, turns []domain.Turn) {
	if h.archive == nil || !hasUserTurn(turns) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := h.archive.SaveTranscript(ctx, storage.ArchivedCall{
			CallID:   callID,
			Channel:  "webrtc",
			Turns:    turns,
			Language: h.language,
		})
		if err != nil {
			log.WithError(err).Warn("transcript archive failed")
		}
	}()
}

func hasUserTurn(turns []domain.Turn) bool {
	for _, t := range turns {
		if t.Role == domain.RoleUser {
			return true
		}
	}
	return false
}

var newCallID = func() string { return uuid.NewString() }
