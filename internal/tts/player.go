package tts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/agent"
)

// Synthesizer turns text into a stream of 48kHz mono PCM.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

var errNothingToSay = errors.New("tts: empty utterance")

// Player speaks utterances into a paced audio sink. Replies are synthesized
// sentence by sentence so the first audio leaves before the whole reply is
// rendered.
type Player struct {
	synth Synthesizer
	sink  agent.PCM48kSink
	log   *logrus.Entry
	// DrainPoll is how often the sink is checked for remaining audio once
	// synthesis has finished.
	DrainPoll time.Duration

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewPlayer(synth Synthesizer, sink agent.PCM48kSink) *Player {
	return &Player{
		synth:     synth,
		sink:      sink,
		log:       logrus.WithField("component", "player"),
		DrainPoll: 20 * time.Millisecond,
	}
}

func (p *Player) Available() bool { return p.synth != nil && p.sink != nil }

// Speak cancels the utterance in progress and starts text.
func (p *Player) Speak(text string, ev agent.PlaybackEvents) error {
	chunks := chunkReply(text)
	if len(chunks) == 0 {
		return errNothingToSay
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.sink.Reset()
	p.mu.Unlock()

	go p.run(ctx, gen, chunks, ev)
	return nil
}

// Stop cancels the utterance in progress. Its End still fires.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.gen++
	p.sink.Reset()
}

// write hands b to the sink unless the utterance was replaced or stopped.
// Speak and Stop reset the sink under the same lock, so a late chunk cannot
// land in the next utterance.
func (p *Player) write(gen uint64, b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	p.sink.WritePCM(b)
	return true
}

func (p *Player) flush(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	p.sink.FlushTail()
	return true
}

func (p *Player) run(ctx context.Context, gen uint64, chunks []string, ev agent.PlaybackEvents) {
	started := false
	var failure error
CHUNK_LOOP:
	for _, chunk := range chunks {
		pcmCh, errCh := p.synth.StreamPCM48k(ctx, chunk)
		for pcmCh != nil || errCh != nil {
			select {
			case b, ok := <-pcmCh:
				if !ok {
					pcmCh = nil
					continue
				}
				if len(b) == 0 || ctx.Err() != nil {
					continue
				}
				if !started {
					started = true
					if ev.Start != nil {
						ev.Start()
					}
				}
				p.write(gen, b)
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if err != nil && ctx.Err() == nil {
					failure = err
					break CHUNK_LOOP
				}
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if failure == nil && started && ctx.Err() == nil && p.flush(gen) {
		p.drain(ctx)
	}

	p.mu.Lock()
	if p.gen == gen {
		p.cancel = nil
	}
	p.mu.Unlock()

	if failure != nil {
		p.log.WithError(failure).Warn("synthesis failed")
		if ev.Error != nil {
			ev.Error(failure)
		}
		return
	}
	if ev.End != nil {
		ev.End()
	}
}

// drain waits until the sink has delivered everything queued.
func (p *Player) drain(ctx context.Context) {
	for p.sink.Buffered() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.DrainPoll):
		}
	}
}

// chunkReply splits an assistant reply into sentence-like chunks.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}
