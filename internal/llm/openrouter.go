package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/domain"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-3.5-turbo"
	DefaultPrompt  = "You are a helpful, friendly voice assistant. Answer clearly and briefly, in one to three sentences, without markdown."
)

// OpenRouterClient requests chat completions from OpenRouter's
// OpenAI-compatible endpoint.
type OpenRouterClient struct {
	HTTPClient   *http.Client
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	// Referer and Title identify the site to OpenRouter.
	Referer string
	Title   string
	Log     *logrus.Entry

	extra []option.RequestOption
}

func NewOpenRouterClient(apiKey, model string) *OpenRouterClient {
	if model == "" {
		model = DefaultModel
	}
	return &OpenRouterClient{
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		BaseURL:      DefaultBaseURL,
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: DefaultPrompt,
		Log:          logrus.WithField("component", "llm"),
	}
}

// Reply returns the assistant's next utterance for history.
func (c *OpenRouterClient) Reply(ctx context.Context, history []domain.ChatMessage) (string, error) {
	if c.APIKey == "" {
		return "", domain.NewReplyError(domain.ReplyAuth, "missing_api_key", nil)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
		option.WithBaseURL(c.BaseURL),
		option.WithHTTPClient(c.HTTPClient),
	}
	if c.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", c.Referer))
	}
	if c.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", c.Title))
	}
	opts = append(opts, c.extra...)
	client := openai.NewClient(opts...)

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.Model,
		Messages: c.messages(history),
	})
	if err != nil {
		rerr := classify(err)
		c.Log.WithError(err).WithField("kind", rerr.Kind).Warn("chat completion failed")
		return "", rerr
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewReplyError(domain.ReplyMalformed, "empty_choices", nil)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", domain.NewReplyError(domain.ReplyMalformed, "empty_content", nil)
	}
	c.Log.WithFields(logrus.Fields{
		"model":   resp.Model,
		"latency": time.Since(start),
		"tokens":  resp.Usage.TotalTokens,
	}).Debug("chat completion")
	return answer, nil
}

func (c *OpenRouterClient) messages(history []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if c.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(c.SystemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classify(err error) *domain.ReplyError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewReplyError(domain.ReplyAuth, "unauthorized", err)
		default:
			return domain.NewReplyError(domain.ReplyNetwork, "bad_status", err)
		}
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewReplyError(domain.ReplyNetwork, "request_failed", err)
	}
	return domain.NewReplyError(domain.ReplyMalformed, "decode_failed", err)
}
