package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-assistant/internal/agent"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS_JSON", "")
	t.Setenv("OPENROUTER_MODEL", "")
	t.Setenv("TTS_PROVIDER", "elevenlabs")
	t.Setenv("CALL_WARN_AFTER", "3s")
	t.Setenv("CALL_END_AFTER", "bogus")
	t.Setenv("CONTENT_HOOK_SECRET", "hook-secret")

	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, defaultICEServers, cfg.ICEServersJSON)
	require.Equal(t, "openai/gpt-3.5-turbo", cfg.OpenRouterModel)
	require.Equal(t, "elevenlabs", cfg.TTSProvider)
	require.Equal(t, 3*time.Second, cfg.WarnAfter)
	require.Zero(t, cfg.EndAfter)
	require.Equal(t, "hook-secret", cfg.ContentHookSecret)
}

func TestTurnTaking(t *testing.T) {
	d := agent.DefaultConfig()

	tt := Config{}.TurnTaking()
	require.Equal(t, d, tt)

	tt = Config{SettleDelay: 300 * time.Millisecond, WarnAfter: 20 * time.Second}.TurnTaking()
	require.Equal(t, 300*time.Millisecond, tt.SettleDelay)
	require.Equal(t, 20*time.Second, tt.WarnAfter)
	require.Equal(t, 40*time.Second, tt.EndAfter)
}

func TestSupabaseEnabled(t *testing.T) {
	require.False(t, Config{SupabaseURL: "https://x.supabase.co"}.SupabaseEnabled())
	require.True(t, Config{SupabaseURL: "https://x.supabase.co", SupabaseKey: "k"}.SupabaseEnabled())
}
