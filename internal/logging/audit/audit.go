// Package audit logs destructive and security-relevant actions of documentd.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured audit logging.
// All events carry an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to discard all entries.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogAuth logs an admin API authentication attempt.
// result is "allowed" or "denied".
func (l *Logger) LogAuth(userID, method, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("user_id", userID).
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogDeletion logs the removal of a document record or file.
// actor: "reconcile", "retention" or the id of the requesting user
// target: "index" or "file"
// reason: why it was deleted (e.g. "file_missing", "orphan_file", "expired")
// result: "deleted" or "failed"
func (l *Logger) LogDeletion(actor, target, reason, ownerID, documentID, path, result, details string) {
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "deletion").
		Str("actor", actor).
		Str("target", target).
		Str("reason", reason).
		Str("result", result)

	if ownerID != "" {
		event = event.Str("owner_id", ownerID)
	}
	if documentID != "" {
		event = event.Str("document_id", documentID)
	}
	if path != "" {
		event = event.Str("path", path)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Deletion event")
}

// LogOwnerRepair logs an owner whose derived sets were rewritten.
func (l *Logger) LogOwnerRepair(ownerID string, companies, categories []string) {
	l.logger.Info().
		Str("event_type", "owner_repair").
		Str("owner_id", ownerID).
		Strs("companies", companies).
		Strs("categories", categories).
		Msg("Owner aggregates rewritten")
}

// LogToken logs issue and redemption of capability tokens.
// action: "issue" or "redeem"; result: "allowed" or "denied"
func (l *Logger) LogToken(action, userID, documentID, result string, expire time.Time, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "access_token").
		Str("action", action).
		Str("result", result).
		Str("source_ip", sourceIP)

	if userID != "" {
		event = event.Str("user_id", userID)
	}
	if documentID != "" {
		event = event.Str("document_id", documentID)
	}
	if !expire.IsZero() {
		event = event.Time("expire", expire)
	}

	event.Msg("Access token event")
}
