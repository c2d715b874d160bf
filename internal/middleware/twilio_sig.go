package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/client"
)

// TwilioParamsKey is the echo context key holding the signed form parameters.
const TwilioParamsKey = "twilioParams"

// validateTwilioSignature verifies Twilio request signatures.
func validateTwilioSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	rv := client.NewRequestValidator(authToken)
	return rv.Validate(fullURL, params, signature)
}

// TwilioAuth validates Twilio webhook requests using the signature header.
// The body is restored for downstream binders and the parsed parameters are
// stored under TwilioParamsKey.
func TwilioAuth(getAuthToken func() string) echo.MiddlewareFunc {
	log := logrus.WithField("component", "twilio-auth")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}

			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := req.Header.Get("X-Twilio-Signature")
			if !validateTwilioSignature(authToken, signature, signedURL(req), params) {
				log.WithField("path", req.URL.Path).Warn("rejected request with invalid signature")
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}

// signedURL rebuilds the public URL Twilio signed. Deployments sit behind a
// TLS terminating proxy, so the scheme is always https.
func signedURL(req *http.Request) string {
	u := "https://" + req.Host + req.URL.Path
	if req.URL.RawQuery != "" {
		u += "?" + req.URL.RawQuery
	}
	return u
}
