package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/chadiek/live-assistant/internal/config"
	"github.com/chadiek/live-assistant/internal/content"
	"github.com/chadiek/live-assistant/internal/middleware"
	"github.com/chadiek/live-assistant/internal/phone"
	"github.com/chadiek/live-assistant/internal/rtc"
)

// OfferAnswerer answers WebRTC offers for the call widget.
type OfferAnswerer interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// ContentSource serves site content sections.
type ContentSource interface {
	Section(section string) ([]content.Row, error)
	Apply(payload []byte) (string, error)
}

// Deps are the optional surfaces mounted on the server. A nil surface answers
// 503.
type Deps struct {
	Calls   OfferAnswerer
	Content ContentSource
	Phone   *phone.Line
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Echo   *echo.Echo
	Router http.Handler

	cfg  config.Config
	deps Deps
	log  *logrus.Entry
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	e := newRouter()
	s := &Server{Echo: e, Router: e, cfg: cfg, deps: deps, log: logrus.WithField("component", "http")}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/call", s.call)
	e.GET("/content/:section", s.section)
	e.POST("/content/hooks", s.contentHook)

	if deps.Phone != nil {
		g := e.Group("/twilio", middleware.TwilioAuth(func() string { return cfg.TwilioAuthToken }))
		deps.Phone.Register(g)
	}
	return s
}

// call exchanges SDP with the browser widget.
func (s *Server) call(c echo.Context) error {
	if !rtcAuthOK(c.Request(), s.cfg.AuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.log.WithError(err).Info("invalid offer")
		return c.NoContent(http.StatusBadRequest)
	}
	if s.deps.Calls == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	answer, err := s.deps.Calls.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.log.WithError(err).Warn("webrtc handle offer failed")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) section(c echo.Context) error {
	if s.deps.Content == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	rows, err := s.deps.Content.Section(c.Param("section"))
	switch {
	case errors.Is(err, content.ErrUnknownSection):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown section"})
	case err != nil:
		s.log.WithError(err).WithField("section", c.Param("section")).Warn("content load failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "content unavailable"})
	}
	return c.JSON(http.StatusOK, rows)
}

// contentHook receives database change notifications and refreshes the
// affected section. Callers must present the shared webhook secret; with no
// secret configured every call is refused.
func (s *Server) contentHook(c echo.Context) error {
	if !hookSecretOK(c.Request().Header.Get(webhookSecretHeader), s.cfg.ContentHookSecret) {
		return c.NoContent(http.StatusUnauthorized)
	}
	if s.deps.Content == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	section, err := s.deps.Content.Apply(body)
	switch {
	case errors.Is(err, content.ErrUnknownSection):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown section"})
	case err != nil:
		s.log.WithError(err).Warn("content hook failed")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"refreshed": section})
}

const webhookSecretHeader = "X-Webhook-Secret"

func hookSecretOK(got, expected string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// rtcAuthOK accepts the request when no password is configured, or when it
// presents the password as ?password=, X-Auth-Token or a Bearer token.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	candidates := []string{r.URL.Query().Get("password"), r.Header.Get("X-Auth-Token")}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}
	for _, got := range candidates {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}
