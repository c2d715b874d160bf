package agent

import "time"

// Config holds the turn-taking policy. None of these values are protocol
// requirements; tests run them on a simulated clock.
type Config struct {
	SettleDelay      time.Duration // pause before listening again, 300–800ms
	WarnAfter        time.Duration // silence before the "anything else?" prompt
	EndAfter         time.Duration // silence after the prompt before hanging up, > WarnAfter
	WatchdogInterval time.Duration // inactivity check period
	ReplyTimeout     time.Duration

	MaxInputChars int

	Greeting      string
	WarningPrompt string
	ApologyPrompt string
}

// DefaultConfig matches the widget's production timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      500 * time.Millisecond,
		WarnAfter:        5 * time.Second,
		EndAfter:         10 * time.Second,
		WatchdogInterval: time.Second,
		ReplyTimeout:     20 * time.Second,
		MaxInputChars:    500,
		Greeting:         "Hello! I'm your AI assistant. How can I help you today?",
		WarningPrompt:    "Is there anything else I can help you with?",
		ApologyPrompt:    "Sorry, I encountered an error.",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	if c.EndAfter <= 0 {
		c.EndAfter = d.EndAfter
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = d.MaxInputChars
	}
	if c.WarningPrompt == "" {
		c.WarningPrompt = d.WarningPrompt
	}
	if c.ApologyPrompt == "" {
		c.ApologyPrompt = d.ApologyPrompt
	}
	return c
}
