package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/agent"
)

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	// AuthPassword, when set, guards call signaling.
	AuthPassword   string
	ICEServersJSON string

	AssemblyAIKey string

	OpenRouterKey     string
	OpenRouterModel   string
	OpenRouterBaseURL string
	SiteURL           string
	SiteName          string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	Language string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
	// ContentHookSecret must be presented as X-Webhook-Secret on
	// /content/hooks. Empty disables the hook.
	ContentHookSecret string

	TwilioAuthToken string

	SettleDelay      time.Duration
	WarnAfter        time.Duration
	EndAfter         time.Duration
	WatchdogInterval time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:       getenv("HTTP_ADDRESS", ":8080"),
		AuthPassword:      os.Getenv("CALL_AUTH_PASSWORD"),
		ICEServersJSON:    getenv("ICE_SERVERS_JSON", defaultICEServers),
		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		OpenRouterKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getenv("OPENROUTER_MODEL", "openai/gpt-3.5-turbo"),
		OpenRouterBaseURL: getenv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		SiteURL:           os.Getenv("SITE_URL"),
		SiteName:          os.Getenv("SITE_NAME"),
		TTSProvider:       getenv("TTS_PROVIDER", "deepgram"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		Language:          getenv("ASSISTANT_LANGUAGE", "en-US"),
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseKey:       os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:    getenv("SUPABASE_BUCKET", "transcripts"),
		ContentHookSecret: os.Getenv("CONTENT_HOOK_SECRET"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		SettleDelay:       getduration("CALL_SETTLE_DELAY", 0),
		WarnAfter:         getduration("CALL_WARN_AFTER", 0),
		EndAfter:          getduration("CALL_END_AFTER", 0),
		WatchdogInterval:  getduration("CALL_WATCHDOG_INTERVAL", 0),
	}

	if cfg.AssemblyAIKey == "" {
		logrus.Warn("ASSEMBLYAI_API_KEY not set - calls cannot listen")
	}
	if cfg.OpenRouterKey == "" {
		logrus.Warn("OPENROUTER_API_KEY not set - every reply will fail")
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			logrus.Warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - calls cannot speak")
		}
	default:
		if cfg.DeepgramKey == "" {
			logrus.Warn("DEEPGRAM_API_KEY not set - calls cannot speak")
		}
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		logrus.Warn("SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - content and transcript archive disabled")
	}
	if cfg.ContentHookSecret == "" {
		logrus.Warn("CONTENT_HOOK_SECRET not set - content hooks will be refused")
	}
	if cfg.TwilioAuthToken == "" {
		logrus.Warn("TWILIO_AUTH_TOKEN not set - phone line will reject requests")
	}

	logrus.WithField("http_address", cfg.HTTPAddress).Info("config loaded")
	return cfg
}

// TurnTaking returns the call policy; unset values fall back to the
// controller defaults.
func (c Config) TurnTaking() agent.Config {
	tt := agent.DefaultConfig()
	if c.SettleDelay > 0 {
		tt.SettleDelay = c.SettleDelay
	}
	if c.WarnAfter > 0 {
		tt.WarnAfter = c.WarnAfter
	}
	if c.EndAfter > 0 {
		tt.EndAfter = c.EndAfter
	}
	if c.WatchdogInterval > 0 {
		tt.WatchdogInterval = c.WatchdogInterval
	}
	if tt.EndAfter <= tt.WarnAfter {
		logrus.WithFields(logrus.Fields{"warn_after": tt.WarnAfter, "end_after": tt.EndAfter}).
			Warn("CALL_END_AFTER must exceed CALL_WARN_AFTER; using twice the warning delay")
		tt.EndAfter = 2 * tt.WarnAfter
	}
	return tt
}

// SupabaseEnabled reports whether Supabase credentials are present.
func (c Config) SupabaseEnabled() bool { return c.SupabaseURL != "" && c.SupabaseKey != "" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("invalid duration, using default")
		return def
	}
	return d
}
