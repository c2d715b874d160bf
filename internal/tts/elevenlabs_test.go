package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	t.Helper()
	var audio []byte
	var err error
	timeout := time.After(2 * time.Second)
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			audio = append(audio, b...)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			err = e
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
	return audio, err
}

func TestElevenLabs_StreamsPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/text-to-speech/voice-1/stream", r.URL.Path)
		require.Equal(t, "pcm_48000", r.URL.Query().Get("output_format"))
		require.Equal(t, "key", r.Header.Get("xi-api-key"))
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	c := NewElevenLabsClient("key", "voice-1")
	c.BaseURL = srv.URL
	pcm, errs := c.StreamPCM48k(context.Background(), "hello")
	audio, err := collect(t, pcm, errs)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, audio)
}

func TestElevenLabs_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid key"}`))
	}))
	defer srv.Close()

	c := NewElevenLabsClient("key", "voice-1")
	c.BaseURL = srv.URL
	pcm, errs := c.StreamPCM48k(context.Background(), "hello")
	_, err := collect(t, pcm, errs)
	require.ErrorContains(t, err, "status=401")

	pcm, errs = NewElevenLabsClient("", "").StreamPCM48k(context.Background(), "hello")
	_, err = collect(t, pcm, errs)
	require.Error(t, err)
}
