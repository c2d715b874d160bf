package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

var errDeepgramNoKey = errors.New("deepgram: API key missing")

// DeepgramClient renders one reply chunk per websocket session as 48kHz
// linear16 audio.
type DeepgramClient struct {
	apiKey string
	model  string
	log    *logrus.Entry

	// IdleGap is how long the socket may stay quiet after audio started
	// before the chunk counts as fully rendered. Deepgram sends no explicit
	// end-of-audio marker.
	IdleGap time.Duration
	// MaxChunk bounds a single chunk's session.
	MaxChunk time.Duration
	poll     time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:   apiKey,
		model:    model,
		log:      logrus.WithField("component", "deepgram"),
		IdleGap:  400 * time.Millisecond,
		MaxChunk: 12 * time.Second,
		poll:     50 * time.Millisecond,
	}
}

// StreamPCM48k implements Synthesizer. Both channels close when the chunk is
// rendered, the context ends or the session fails.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if d.apiKey == "" {
			errCh <- errDeepgramNoKey
			return
		}
		if text == "" {
			return
		}
		if err := d.render(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (d *DeepgramClient) render(ctx context.Context, text string, out chan<- []byte) error {
	stream := &speakStream{out: out, log: d.log}
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: sampleRate48k,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, stream)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(dg.Stop) }
	defer stop()

	if !dg.Connect() {
		return errors.New("deepgram: connect failed")
	}
	// Stop unblocks the SDK's reader as soon as the utterance is cancelled.
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.log.WithError(err).Warn("flush failed")
	}
	return stream.await(ctx, d.IdleGap, d.MaxChunk, d.poll)
}

const sampleRate48k = 48000

// speakStream receives the SDK's callbacks for one chunk.
type speakStream struct {
	out chan<- []byte
	log *logrus.Entry

	lastAudio atomic.Int64 // unix nanos of the latest audio message, 0 before any
	failure   atomic.Value // error
}

// await returns once audio went quiet for idleGap, the session failed, the
// context ended or maxChunk elapsed.
func (s *speakStream) await(ctx context.Context, idleGap, maxChunk, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	deadline := time.Now().Add(maxChunk)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err, ok := s.failure.Load().(error); ok {
				return err
			}
			if last := s.lastAudio.Load(); last != 0 && now.Sub(time.Unix(0, last)) > idleGap {
				return nil
			}
			if now.After(deadline) {
				s.log.Warn("chunk exceeded its time budget")
				return nil
			}
		}
	}
}

func (s *speakStream) Binary(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	s.lastAudio.Store(time.Now().UnixNano())
	b := make([]byte, len(msg))
	copy(b, msg)
	select {
	case s.out <- b:
	default:
		s.log.Debug("audio queue full, dropping message")
	}
	return nil
}

func (s *speakStream) Error(er *msginterfaces.ErrorResponse) error {
	if er != nil {
		s.failure.CompareAndSwap(nil, fmt.Errorf("deepgram: %+v", *er))
	}
	return nil
}

func (s *speakStream) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakStream) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakStream) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakStream) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakStream) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakStream) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakStream) UnhandledEvent([]byte) error                    { return nil }
