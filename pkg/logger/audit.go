package logger

import (
	"context"
	"log/slog"
	"time"
)

// AttemptAudit is the log line written for every recorded authentication attempt
type AttemptAudit struct {
	AttemptID     string
	Identity      string
	Account       string
	Outcome       string
	SourceAddress string
	Client        string
	Country       string
	Spooled       bool
}

// AuditLogger writes authentication audit lines next to the durable ledger
type AuditLogger struct {
	logger *slog.Logger
	env    string
}

func NewAuditLogger(logger *slog.Logger, env string) *AuditLogger {
	return &AuditLogger{
		logger: logger,
		env:    env,
	}
}

// LogAttempt logs one attempt. Successes log at info, everything else at warn.
func (al *AuditLogger) LogAttempt(ctx context.Context, a AttemptAudit, success bool) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth_attempt"),
		slog.String("attempt_id", a.AttemptID),
		slog.String("identity", MaskIdentity(a.Identity)),
		slog.String("outcome", a.Outcome),
		RedactedAttr("source_address", a.SourceAddress, al.env),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if a.Account != "" {
		attrs = append(attrs, slog.String("account", a.Account))
	}
	if a.Client != "" {
		attrs = append(attrs, slog.String("client", a.Client))
	}
	if a.Country != "" {
		attrs = append(attrs, slog.String("country", a.Country))
	}
	if a.Spooled {
		attrs = append(attrs, slog.Bool("spooled", true))
	}

	level := slog.LevelWarn
	if success {
		level = slog.LevelInfo
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogAdminAction logs an operator action against the security core
func (al *AuditLogger) LogAdminAction(ctx context.Context, action, actor, target string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "admin"),
		slog.String("action", action),
		slog.String("actor", actor),
		slog.String("target", target),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
