package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/live-assistant/internal/config"
	"github.com/chadiek/live-assistant/internal/content"
	httpserver "github.com/chadiek/live-assistant/internal/httpserver"
	"github.com/chadiek/live-assistant/internal/infra/storage"
	"github.com/chadiek/live-assistant/internal/llm"
	"github.com/chadiek/live-assistant/internal/phone"
	"github.com/chadiek/live-assistant/internal/rtc"
	"github.com/chadiek/live-assistant/internal/tts"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(*cobra.Command, []string) error {
	cfg := config.Load()
	turnTaking := cfg.TurnTaking()
	replier := newReplier(cfg)

	deps := httpserver.Deps{}
	calls := rtc.NewHandler(cfg.AssemblyAIKey, replier, newSynthesizer(cfg)).
		WithTurnTaking(turnTaking, cfg.Language).
		WithICEServersJSON(cfg.ICEServersJSON)
	line := phone.NewLine(replier, turnTaking, cfg.Language)

	if cfg.SupabaseEnabled() {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, &supabase.ClientOptions{})
		if err != nil {
			logrus.WithError(err).Error("supabase client init failed; content and archive disabled")
		} else {
			archive := storage.NewTranscriptArchive(storage.NewSupabaseUploader(client), cfg.SupabaseBucket)
			calls.WithArchive(archive)
			line.WithArchive(archive)
			deps.Content = content.NewStore(content.NewSupabaseQuerier(client), content.Sections...)
		}
	}
	deps.Calls = calls
	deps.Phone = line

	srv := httpserver.New(cfg, deps)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.HTTPAddress).Info("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("graceful shutdown failed")
		_ = server.Close()
	}
	return nil
}

func newReplier(cfg config.Config) *llm.OpenRouterClient {
	r := llm.NewOpenRouterClient(cfg.OpenRouterKey, cfg.OpenRouterModel)
	r.BaseURL = cfg.OpenRouterBaseURL
	r.Referer = cfg.SiteURL
	r.Title = cfg.SiteName
	return r
}

// newSynthesizer picks the TTS provider; nil leaves calls without a voice.
func newSynthesizer(cfg config.Config) tts.Synthesizer {
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			return nil
		}
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	default:
		if cfg.DeepgramKey == "" {
			return nil
		}
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	}
}
