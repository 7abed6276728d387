package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// GateChecker answers the two hot-path questions asked before dispatch.
// Both fail open, so an error here only means invalid input.
type GateChecker interface {
	IsIPBlocked(ctx context.Context, address string) (bool, error)
	AccountLock(ctx context.Context, account string) (*models.AccountLock, error)
}

// GateConfig controls how the gate identifies the caller
type GateConfig struct {
	IPConfig *pkghttp.IPConfig
	// Account extracts the account a request acts as. Nil or an empty result skips the lock check.
	Account func(r *http.Request) string
	Now     func() time.Time
}

// Gate rejects requests from flagged addresses with a generic 403 and requests
// acting as a hard-locked account with 429 and Retry-After.
func Gate(checker GateChecker, config GateConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			address := pkghttp.ExtractClientIP(r, config.IPConfig)

			if address != "" {
				blocked, err := checker.IsIPBlocked(ctx, address)
				if err != nil {
					logger.DebugContext(ctx, "gate skipped address check", slog.Any("error", err))
				}
				if blocked {
					logger.WarnContext(ctx, "request from flagged address rejected",
						slog.String("source_address", address),
						slog.String("path", r.URL.Path),
					)
					pkghttp.WriteAccessDenied(w)
					return
				}
			}

			if config.Account != nil {
				if account := config.Account(r); account != "" {
					lock, err := checker.AccountLock(ctx, account)
					if err != nil {
						logger.DebugContext(ctx, "gate skipped account check", slog.Any("error", err))
					}
					if lock != nil {
						logger.WarnContext(ctx, "request for locked account rejected",
							slog.String("account", pkglogger.MaskIdentity(account)),
							slog.String("source_address", address),
						)
						pkghttp.WriteTooManyRequests(w, lock.ExpiresAt.Sub(now()), "Account is temporarily locked")
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
