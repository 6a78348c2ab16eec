package logging

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"ecobridge/internal/drivers/ecobee"

	"golang.org/x/oauth2"
)

// Parameters never written to the log
var secretParams = map[string]bool{
	"code":          true,
	"refresh_token": true,
	"client_id":     true,
}

// SessionLogger wraps an ecobee.Session and logs every provider call
type SessionLogger struct {
	session ecobee.Session
	logger  *slog.Logger
}

// NewSessionLogger creates a new logging decorator for Session
func NewSessionLogger(session ecobee.Session, logger *slog.Logger) ecobee.Session {
	return &SessionLogger{
		session: session,
		logger:  logger.With("interface", "Session"),
	}
}

func (l *SessionLogger) Get(ctx context.Context, path string, params url.Values, tok *oauth2.Token) (*ecobee.Result, error) {
	start := time.Now()
	res, err := l.session.Get(ctx, path, params, tok)
	l.log(ctx, "GET", path, params, res, err, time.Since(start))
	return res, err
}

func (l *SessionLogger) Post(ctx context.Context, path string, params url.Values, payload any, tok *oauth2.Token) (*ecobee.Result, error) {
	start := time.Now()
	res, err := l.session.Post(ctx, path, params, payload, tok)
	l.log(ctx, "POST", path, params, res, err, time.Since(start))
	return res, err
}

func (l *SessionLogger) log(ctx context.Context, method, path string, params url.Values, res *ecobee.Result, err error, duration time.Duration) {
	if err != nil {
		l.logger.ErrorContext(ctx, "Provider call failed",
			"method", method,
			"path", path,
			"params", redact(params),
			"duration", duration,
			"error", err)
		return
	}

	l.logger.DebugContext(ctx, "Provider call completed",
		"method", method,
		"path", path,
		"params", redact(params),
		"status_code", res.Code,
		"duration", duration)
}

func redact(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	safe := make(url.Values, len(params))
	for k, v := range params {
		if secretParams[k] {
			safe.Set(k, "***")
			continue
		}
		safe[k] = v
	}
	return safe.Encode()
}
