package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	sampleRate    = 48000
	frameDuration = 20 * time.Millisecond
	frameSamples  = sampleRate / 50
	// tailFrames of silence follow each utterance so the last syllable is
	// not clipped by the browser's jitter buffer.
	tailFrames = 10
	queueSize  = 512
)

// sampleWriter is the part of a local track the pacer writes to.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type speakerFrame struct {
	gen  uint64
	data []byte
}

// Speaker is the call's outbound voice. Synthesized 48kHz mono PCM is
// encoded to 20ms Opus frames and written to the track in real time.
type Speaker struct {
	enc   *opus.Encoder
	track sampleWriter

	mu  sync.Mutex
	pcm []int16
	gen uint64

	frames   chan speakerFrame
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSpeaker(track *webrtc.TrackLocalStaticSample) (*Speaker, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	s := newSpeaker(track, enc)
	go s.pace()
	return s, nil
}

func newSpeaker(track sampleWriter, enc *opus.Encoder) *Speaker {
	return &Speaker{
		enc:    enc,
		track:  track,
		frames: make(chan speakerFrame, queueSize),
		stop:   make(chan struct{}),
	}
}

// WritePCM queues little-endian 16-bit PCM. It blocks while the queue is
// full, never while holding the lock Reset needs.
func (s *Speaker) WritePCM(b []byte) {
	if len(b) < 2 {
		return
	}
	s.mu.Lock()
	for i := 0; i+1 < len(b); i += 2 {
		s.pcm = append(s.pcm, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	var out [][]byte
	for len(s.pcm) >= frameSamples {
		out = s.encode(out, s.pcm[:frameSamples])
		s.pcm = s.pcm[frameSamples:]
	}
	gen := s.gen
	s.mu.Unlock()
	s.enqueue(gen, out)
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail.
func (s *Speaker) FlushTail() {
	s.mu.Lock()
	var out [][]byte
	if len(s.pcm) > 0 {
		frame := make([]int16, frameSamples)
		copy(frame, s.pcm)
		out = s.encode(out, frame)
		s.pcm = nil
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < tailFrames; i++ {
		out = s.encode(out, silence)
	}
	gen := s.gen
	s.mu.Unlock()
	s.enqueue(gen, out)
}

// Reset drops everything not yet sent. Frames still being queued by a
// writer from before the reset are discarded too.
func (s *Speaker) Reset() {
	s.mu.Lock()
	s.gen++
	s.pcm = nil
	s.mu.Unlock()
	for {
		select {
		case <-s.frames:
		default:
			return
		}
	}
}

// Buffered reports how much audio has not reached the track yet.
func (s *Speaker) Buffered() time.Duration {
	s.mu.Lock()
	pending := len(s.pcm)
	s.mu.Unlock()
	return time.Duration(len(s.frames))*frameDuration + time.Duration(pending)*time.Second/sampleRate
}

// Close stops the pacer. Idempotent.
func (s *Speaker) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// encode must be called with s.mu held; the encoder is not safe for
// concurrent use.
func (s *Speaker) encode(out [][]byte, frame []int16) [][]byte {
	buf := make([]byte, 4000)
	n, err := s.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return out
	}
	return append(out, buf[:n])
}

func (s *Speaker) enqueue(gen uint64, pkts [][]byte) {
	for _, p := range pkts {
		if !s.current(gen) {
			return
		}
		select {
		case <-s.stop:
			return
		case s.frames <- speakerFrame{gen: gen, data: p}:
		}
	}
}

func (s *Speaker) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// pace writes one frame per tick, skipping frames from before a Reset.
func (s *Speaker) pace() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sendNext()
		}
	}
}

func (s *Speaker) sendNext() {
	for {
		select {
		case f := <-s.frames:
			if !s.current(f.gen) {
				continue
			}
			_ = s.track.WriteSample(media.Sample{Data: f.data, Duration: frameDuration})
			return
		default:
			return
		}
	}
}
