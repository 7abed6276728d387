package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// FlagSweeper lists live flags, pruning expired entries from the flag index as a side effect
type FlagSweeper interface {
	GetAllFlaggedIPs(ctx context.Context) ([]models.FlagEntry, error)
}

// SpoolReplayer moves spooled attempts back into the ledger
type SpoolReplayer interface {
	ReplaySpool(ctx context.Context, limit int) (int, error)
}

// LedgerPruner removes attempts past the retention horizon
type LedgerPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerConfig controls the maintenance cycle
type WorkerConfig struct {
	Interval    time.Duration
	Retention   time.Duration
	ReplayBatch int
}

// Worker periodically prunes the flag index, replays the ledger spool and
// trims old ledger rows. Any collaborator may be nil to skip that task.
type Worker struct {
	flags  FlagSweeper
	spool  SpoolReplayer
	ledger LedgerPruner
	config WorkerConfig
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

// NewWorker creates a new maintenance worker
func NewWorker(flags FlagSweeper, spool SpoolReplayer, ledger LedgerPruner, config WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		flags:  flags,
		spool:  spool,
		ledger: ledger,
		config: config,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs the maintenance cycle until Stop is called or ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	w.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			w.runCycle(ctx)
		case <-w.stopCh:
			w.logger.Info("maintenance worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("maintenance worker context cancelled")
			return
		}
	}
}

// Stop signals the worker to stop
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	w.sweepFlags(cycleCtx)
	w.replaySpool(cycleCtx)
	w.pruneLedger(cycleCtx)
}

func (w *Worker) sweepFlags(ctx context.Context) {
	if w.flags == nil {
		return
	}
	flags, err := w.flags.GetAllFlaggedIPs(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "flag sweep failed", slog.Any("error", err))
		return
	}
	w.logger.DebugContext(ctx, "flag sweep completed", slog.Int("live_flags", len(flags)))
}

func (w *Worker) replaySpool(ctx context.Context) {
	if w.spool == nil || w.config.ReplayBatch <= 0 {
		return
	}
	replayed, err := w.spool.ReplaySpool(ctx, w.config.ReplayBatch)
	if err != nil {
		w.logger.WarnContext(ctx, "spool replay failed",
			slog.Int("replayed", replayed),
			slog.Any("error", err),
		)
		return
	}
	if replayed > 0 {
		w.logger.InfoContext(ctx, "spooled attempts replayed", slog.Int("replayed", replayed))
	}
}

func (w *Worker) pruneLedger(ctx context.Context) {
	if w.ledger == nil || w.config.Retention <= 0 {
		return
	}
	cutoff := w.now().Add(-w.config.Retention)
	rows, err := w.ledger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to prune attempt ledger", slog.Any("error", err))
		return
	}
	if rows > 0 {
		w.logger.InfoContext(ctx, "attempt ledger pruned",
			slog.Int64("rows_deleted", rows),
			slog.Time("cutoff", cutoff),
		)
	}
}
