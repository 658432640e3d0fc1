package logger

import (
	"context"
	"log/slog"
)

// SecurityEventType defines types of security events
type SecurityEventType string

const (
	// Key source events
	KeySourceResolved  SecurityEventType = "key_source_resolved"
	CompositeKeyBuilt  SecurityEventType = "composite_key_built"
	CompositeKeyFailed SecurityEventType = "composite_key_failed"
	ProviderFailure    SecurityEventType = "provider_failure"

	// Secure desktop events
	SecureSessionStarted   SecurityEventType = "secure_session_started"
	SecureSessionClosed    SecurityEventType = "secure_session_closed"
	SecureSessionAbandoned SecurityEventType = "secure_session_abandoned"
	DeferredActionRun      SecurityEventType = "deferred_action_run"

	// Key file events
	KeyFileCreated    SecurityEventType = "key_file_created"
	KeyFileRecreated  SecurityEventType = "key_file_recreated"
	IntegrityMismatch SecurityEventType = "integrity_mismatch"
)

// SecurityLogger provides security-specific logging methods.
// No method accepts key material; only names, paths and counts are logged.
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger(baseLogger *Logger) *SecurityLogger {
	if baseLogger == nil {
		baseLogger = Global()
	}
	return &SecurityLogger{
		logger: baseLogger.WithComponent("security"),
	}
}

// LogKeySourceResolved logs a key source contributing to a composite key
func (sl *SecurityLogger) LogKeySourceResolved(ctx context.Context, contextPath, source string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("context_path", contextPath),
		slog.String("source", source),
	}
	sl.logger.SecurityEvent(ctx, string(KeySourceResolved), append(baseAttrs, attrs...)...)
}

// LogCompositeKeyBuilt logs a successful composite key build
func (sl *SecurityLogger) LogCompositeKeyBuilt(ctx context.Context, contextPath string, sources []string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("context_path", contextPath),
		slog.Any("sources", sources),
		slog.Int("source_count", len(sources)),
	}
	sl.logger.SecurityEvent(ctx, string(CompositeKeyBuilt), append(baseAttrs, attrs...)...)
}

// LogCompositeKeyFailed logs a failed composite key build
func (sl *SecurityLogger) LogCompositeKeyFailed(ctx context.Context, contextPath, code, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("context_path", contextPath),
		slog.String("code", code),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(CompositeKeyFailed), append(baseAttrs, attrs...)...)
}

// LogProviderFailure logs a key provider that returned an error
func (sl *SecurityLogger) LogProviderFailure(ctx context.Context, provider, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("provider", provider),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(ProviderFailure), append(baseAttrs, attrs...)...)
}

// LogSecureSessionStarted logs entry into the isolated input context
func (sl *SecurityLogger) LogSecureSessionStarted(ctx context.Context, sessionID string, memoryLocked bool, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("session_id", sessionID),
		slog.Bool("memory_locked", memoryLocked),
	}
	sl.logger.SecurityEvent(ctx, string(SecureSessionStarted), append(baseAttrs, attrs...)...)
}

// LogSecureSessionClosed logs the return to the normal context
func (sl *SecurityLogger) LogSecureSessionClosed(ctx context.Context, sessionID string, deferred int, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("session_id", sessionID),
		slog.Int("deferred_actions", deferred),
	}
	sl.logger.SecurityEvent(ctx, string(SecureSessionClosed), append(baseAttrs, attrs...)...)
}

// LogSecureSessionAbandoned logs a session that ended without a result
func (sl *SecurityLogger) LogSecureSessionAbandoned(ctx context.Context, sessionID, reason string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
	}
	sl.logger.SecurityEvent(ctx, string(SecureSessionAbandoned), append(baseAttrs, attrs...)...)
}

// LogDeferredActionRun logs a deferred action replayed on the normal context
func (sl *SecurityLogger) LogDeferredActionRun(ctx context.Context, sessionID, action string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("session_id", sessionID),
		slog.String("action", action),
	}
	sl.logger.SecurityEvent(ctx, string(DeferredActionRun), append(baseAttrs, attrs...)...)
}

// LogKeyFileCreated logs a newly generated key file
func (sl *SecurityLogger) LogKeyFileCreated(ctx context.Context, path, version string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("path", path),
		slog.String("format_version", version),
	}
	sl.logger.SecurityEvent(ctx, string(KeyFileCreated), append(baseAttrs, attrs...)...)
}

// LogKeyFileRecreated logs a key file restored from a printed backup
func (sl *SecurityLogger) LogKeyFileRecreated(ctx context.Context, path, version string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("path", path),
		slog.String("format_version", version),
	}
	sl.logger.SecurityEvent(ctx, string(KeyFileRecreated), append(baseAttrs, attrs...)...)
}

// LogIntegrityMismatch logs key data that failed hash verification
func (sl *SecurityLogger) LogIntegrityMismatch(ctx context.Context, path string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("path", path),
	}
	sl.logger.SecurityEvent(ctx, string(IntegrityMismatch), append(baseAttrs, attrs...)...)
}
