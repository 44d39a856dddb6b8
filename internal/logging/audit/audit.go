// Package audit records security-relevant decisions as structured log
// events.
package audit

import (
	"github.com/rs/zerolog"
)

// Results of an audited decision.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger writes audit events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func levelFor(result string) zerolog.Level {
	if result == Denied {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogAuth logs the resolution of a bearer token.
// userID: the resolved login (empty when the token was rejected)
// result: Allowed or Denied
// details: why the token was rejected
func (l *Logger) LogAuth(userID, result, details string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("method", "bearer").
		Str("result", result)

	if userID != "" {
		event = event.Str("user_id", userID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Authentication event")
}

// LogAuthz logs a permission check against a project.
// userID: the caller
// action: what was checked ("admin", "manage" or "upload")
// project: the project concerned (empty for global admin checks)
// scope: asset/version of an upload, if any
// result: Allowed or Denied
// reason: why access was denied (empty for allowed)
func (l *Logger) LogAuthz(userID, action, project, scope, result, reason string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "authz").
		Str("user_id", userID).
		Str("action", action).
		Str("result", result)

	if project != "" {
		event = event.Str("project", project)
	}
	if scope != "" {
		event = event.Str("scope", scope)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Authorization event")
}
