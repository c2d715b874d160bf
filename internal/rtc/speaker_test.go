package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples [][]byte
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	f.mu.Lock()
	f.samples = append(f.samples, s.Data)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.samples...)
}

func TestSpeaker_SendsOneFramePerTick(t *testing.T) {
	ft := &fakeTrack{}
	s := newSpeaker(ft, nil)
	s.enqueue(0, [][]byte{{1}, {2}, {3}})

	s.sendNext()
	s.sendNext()
	require.Equal(t, [][]byte{{1}, {2}}, ft.written())
	require.Equal(t, frameDuration, s.Buffered())
}

func TestSpeaker_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	s := newSpeaker(ft, nil)
	done := make(chan struct{})
	go func() { s.pace(); close(done) }()

	s.enqueue(0, [][]byte{{1}, {2}, {3}})
	require.Eventually(t, func() bool { return len(ft.written()) == 3 }, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()
	<-done
}

func TestSpeaker_ResetDropsQueuedAudio(t *testing.T) {
	ft := &fakeTrack{}
	s := newSpeaker(ft, nil)
	s.pcm = []int16{1, 2, 3}
	s.enqueue(0, [][]byte{{1}, {2}})

	s.Reset()

	require.Zero(t, s.Buffered())
	s.sendNext()
	require.Empty(t, ft.written())
}

func TestSpeaker_StaleFramesSkipped(t *testing.T) {
	ft := &fakeTrack{}
	s := newSpeaker(ft, nil)
	s.frames <- speakerFrame{gen: 0, data: []byte{9}}
	s.gen = 1
	s.frames <- speakerFrame{gen: 1, data: []byte{7}}

	s.sendNext()
	require.Equal(t, [][]byte{{7}}, ft.written())

	// a writer that started before the reset stops queueing
	s.enqueue(0, [][]byte{{5}})
	require.Zero(t, len(s.frames))
}

func TestSpeaker_Buffered(t *testing.T) {
	s := newSpeaker(&fakeTrack{}, nil)
	s.pcm = make([]int16, 480)
	s.enqueue(0, [][]byte{{1}, {1}, {1}})
	require.Equal(t, 70*time.Millisecond, s.Buffered())

	s.Reset()
	require.Zero(t, s.Buffered())
}
