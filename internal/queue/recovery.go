package queue

import (
	"context"
	"time"

	"github.com/ignite/emailsched/internal/pkg/distlock"
	"github.com/ignite/emailsched/internal/pkg/logger"
)

// RecoveryLoop periodically reclaims jobs left leased by a crashed worker
// and prunes old completed/dead-lettered rows. Claim only picks up rows in
// the queued state, so a row whose lease has expired becomes claimable
// again only when this loop's RecoverStalled pass requeues it.
type RecoveryLoop struct {
	queue *Queue
	lock  distlock.DistLock

	Interval     time.Duration
	KeepFor      time.Duration
	KeepMaxEach  int
}

// NewRecoveryLoop builds a RecoveryLoop guarded by lock, so only one
// process runs the sweep at a time across a multi-instance deployment.
func NewRecoveryLoop(q *Queue, lock distlock.DistLock) *RecoveryLoop {
	return &RecoveryLoop{
		queue:       q,
		lock:        lock,
		Interval:    2 * time.Minute,
		KeepFor:     24 * time.Hour,
		KeepMaxEach: 10000,
	}
}

// Start blocks, running the sweep on Interval until ctx is cancelled.
func (r *RecoveryLoop) Start(ctx context.Context) {
	logger.Info("queue: recovery loop starting", "interval", r.Interval.String())
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue: recovery loop stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *RecoveryLoop) sweep(ctx context.Context) {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		logger.Warn("queue: recovery loop failed to acquire lock", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			logger.Warn("queue: recovery loop failed to release lock", "error", err.Error())
		}
	}()

	requeued, deadLettered, err := r.queue.RecoverStalled(ctx)
	if err != nil {
		logger.Error("queue: recover stalled failed", "error", err.Error())
	} else if requeued > 0 || deadLettered > 0 {
		logger.Info("queue: recovered stalled jobs", "requeued", requeued, "deadLettered", deadLettered)
	}

	if n, err := r.queue.PruneCompleted(ctx, r.KeepFor, r.KeepMaxEach); err != nil {
		logger.Error("queue: prune completed failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("queue: pruned completed jobs", "count", n)
	}

	if n, err := r.queue.PruneFailed(ctx, r.KeepFor); err != nil {
		logger.Error("queue: prune failed failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("queue: pruned dead-lettered jobs", "count", n)
	}
}
