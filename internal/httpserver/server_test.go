package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/live-assistant/internal/agent"
	"github.com/chadiek/live-assistant/internal/config"
	"github.com/chadiek/live-assistant/internal/content"
	"github.com/chadiek/live-assistant/internal/phone"
	"github.com/chadiek/live-assistant/internal/rtc"
)

type fakeOffers struct {
	got rtc.SessionDescription
	err error
}

func (f *fakeOffers) HandleOffer(_ context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	f.got = offer
	if f.err != nil {
		return rtc.SessionDescription{}, f.err
	}
	return rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

type fakeContent struct {
	rows    map[string][]content.Row
	loadErr error
	applied string
}

func (f *fakeContent) Section(section string) ([]content.Row, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	rows, ok := f.rows[section]
	if !ok {
		return nil, content.ErrUnknownSection
	}
	return rows, nil
}

func (f *fakeContent) Apply(payload []byte) (string, error) {
	var ev content.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", err
	}
	if ev.Table != "cms_hero" {
		return "", content.ErrUnknownSection
	}
	f.applied = "hero"
	return "hero", nil
}

func serve(srv *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	w := serve(srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestRtcAuthOK(t *testing.T) {
	require.True(t, rtcAuthOK(nil, ""), "expected true when expected empty")

	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	require.True(t, rtcAuthOK(r, "secret"))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	require.True(t, rtcAuthOK(r2, "tok"))

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer abc")
	require.True(t, rtcAuthOK(r3, "abc"))
}

func TestRtcAuthOK_BearerCaseInsensitivePrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer abc")
	require.True(t, rtcAuthOK(r, "abc"))
}

func TestRtcAuthOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	require.False(t, rtcAuthOK(r1, "secret"))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	require.False(t, rtcAuthOK(r2, "secret"))

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	require.False(t, rtcAuthOK(r3, "secret"))

	require.False(t, rtcAuthOK(nil, "secret"))
}

func TestCall_MethodNotAllowed(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	w := serve(srv, http.MethodGet, "/call", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCall_BadJSON(t *testing.T) {
	srv := New(config.Config{}, Deps{Calls: &fakeOffers{}})
	w := serve(srv, http.MethodPost, "/call", "not-json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCall_Unauthorized(t *testing.T) {
	srv := New(config.Config{AuthPassword: "secret"}, Deps{Calls: &fakeOffers{}})

	w := serve(srv, http.MethodPost, "/call", "{}")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := serve(srv, http.MethodPost, "/call?password=wrong", "{}")
	require.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestCall_Answer(t *testing.T) {
	offers := &fakeOffers{}
	srv := New(config.Config{AuthPassword: "secret"}, Deps{Calls: offers})

	w := serve(srv, http.MethodPost, "/call?password=secret", `{"type":"offer","sdp":"v=0 offer"}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "v=0 offer", offers.got.SDP)
	var answer rtc.SessionDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	require.Equal(t, "answer", answer.Type)
}

func TestCall_OfferFailure(t *testing.T) {
	srv := New(config.Config{}, Deps{Calls: &fakeOffers{err: errors.New("invalid offer")}})
	w := serve(srv, http.MethodPost, "/call", `{"type":"bogus"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCall_NotConfigured(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	w := serve(srv, http.MethodPost, "/call", `{"type":"offer","sdp":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestContent_Section(t *testing.T) {
	src := &fakeContent{rows: map[string][]content.Row{"hero": {{"title": "Hi"}}}}
	srv := New(config.Config{}, Deps{Content: src})

	w := serve(srv, http.MethodGet, "/content/hero", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"title":"Hi"}]`, w.Body.String())

	w = serve(srv, http.MethodGet, "/content/pricing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	src.loadErr = errors.New("db down")
	w = serve(srv, http.MethodGet, "/content/hero", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestContent_Hook(t *testing.T) {
	src := &fakeContent{}
	srv := New(config.Config{ContentHookSecret: "hook-secret"}, Deps{Content: src})
	auth := []string{webhookSecretHeader, "hook-secret"}

	w := serve(srv, http.MethodPost, "/content/hooks", `{"type":"UPDATE","table":"cms_hero","record":{}}`, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hero", src.applied)

	w = serve(srv, http.MethodPost, "/content/hooks", `{"type":"UPDATE","table":"users"}`, auth...)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = serve(srv, http.MethodPost, "/content/hooks", `nope`, auth...)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContent_HookRequiresSecret(t *testing.T) {
	body := `{"type":"UPDATE","table":"cms_hero","record":{}}`
	cases := []struct {
		name   string
		secret string
		sent   []string
	}{
		{"missing header", "hook-secret", nil},
		{"wrong secret", "hook-secret", []string{webhookSecretHeader, "guess"}},
		{"no secret configured", "", []string{webhookSecretHeader, ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeContent{}
			srv := New(config.Config{ContentHookSecret: tc.secret}, Deps{Content: src})
			w := serve(srv, http.MethodPost, "/content/hooks", body, tc.sent...)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			require.Empty(t, src.applied)
		})
	}
}

func TestTwilioRoutes(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	w := serve(srv, http.MethodPost, "/twilio/voice", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	line := phone.NewLine(nil, agent.DefaultConfig(), "en-US")
	srv = New(config.Config{}, Deps{Phone: line})
	w = serve(srv, http.MethodPost, "/twilio/voice", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	srv = New(config.Config{TwilioAuthToken: "tok"}, Deps{Phone: line})
	w = serve(srv, http.MethodPost, "/twilio/voice", "CallSid=CA1")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
