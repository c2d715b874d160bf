package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-assistant/internal/domain"
)

func newTestClient(baseURL string) *OpenRouterClient {
	c := NewOpenRouterClient("key", "test/model")
	c.BaseURL = baseURL
	c.HTTPClient = &http.Client{Timeout: time.Second}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c.Log = logrus.NewEntry(logger)
	c.extra = []option.RequestOption{option.WithMaxRetries(0)}
	return c
}

func TestOpenRouter_NoKey(t *testing.T) {
	c := NewOpenRouterClient("", "")
	require.Equal(t, DefaultModel, c.Model)
	_, err := c.Reply(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	var re *domain.ReplyError
	require.ErrorAs(t, err, &re)
	require.Equal(t, domain.ReplyAuth, re.Kind)
}

func TestOpenRouter_Reply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.Equal(t, "https://example.com", r.Header.Get("HTTP-Referer"))
		require.Equal(t, "Widget", r.Header.Get("X-Title"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test/model", body.Model)
		require.Len(t, body.Messages, 4)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "assistant", body.Messages[1].Role)
		require.Equal(t, "user", body.Messages[3].Role)
		require.Equal(t, "what's new?", body.Messages[3].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-1","object":"chat.completion","created":1,"model":"test/model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  hi there \n"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.Referer = "https://example.com"
	c.Title = "Widget"
	got, err := c.Reply(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleAssistant, Content: "Hello!"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleUser, Content: "what's new?"},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", got)
}

func TestOpenRouter_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		kind    domain.ReplyErrorKind
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","code":401}}`))
		}, domain.ReplyAuth},
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("oops"))
		}, domain.ReplyNetwork},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("not-json"))
		}, domain.ReplyMalformed},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, domain.ReplyMalformed},
		{"empty_content", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  "}}]}`))
		}, domain.ReplyMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := newTestClient(srv.URL).Reply(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
			var re *domain.ReplyError
			require.ErrorAs(t, err, &re)
			require.Equal(t, tc.kind, re.Kind)
		})
	}
}

func TestOpenRouter_TransportFailure(t *testing.T) {
	c := newTestClient("http://openrouter.invalid/api/v1")
	c.HTTPClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}

	_, err := c.Reply(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	var re *domain.ReplyError
	require.ErrorAs(t, err, &re)
	require.Equal(t, domain.ReplyNetwork, re.Kind)
}

func TestOpenRouter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).Reply(ctx, []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	var re *domain.ReplyError
	require.ErrorAs(t, err, &re)
	require.Equal(t, domain.ReplyNetwork, re.Kind)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
