// Package lockmanager owns the grace period of locked points: the persisted
// unlock due time, the sweep that unlocks due credits and the eager forfeit
// of credits whose booking is cancelled.
package lockmanager

import (
	"context"
	"time"

	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

const (
	// DefaultGracePeriod is how long credited points stay locked.
	DefaultGracePeriod = 48 * time.Hour
	// DefaultBatchSize is the number of due transactions unlocked per query.
	DefaultBatchSize = 200
)

// Policy computes unlock due times
type Policy struct {
	GracePeriod time.Duration
}

// UnlockDueAt returns completedAt plus the grace period
func (p Policy) UnlockDueAt(completedAt time.Time) time.Time {
	grace := p.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return completedAt.UTC().Add(grace)
}

// Ledger is the subset of the points ledger the lock manager drives
type Ledger interface {
	DueForUnlock(ctx context.Context, now time.Time, limit int) ([]models.PointsTransaction, error)
	LockedForBooking(ctx context.Context, bookingID string) ([]models.PointsTransaction, error)
	Unlock(ctx context.Context, txnID string) (ledger.Outcome, error)
	Forfeit(ctx context.Context, txnID, reason string) (ledger.Outcome, error)
}

// SweepResult summarises one sweep
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Unlocked int `json:"unlocked"`
	NoOps    int `json:"noops"`
	Errors   int `json:"errors"`
}

// Sweeper unlocks transactions whose grace period has elapsed. Every unlock
// is a conditional transition, so overlapping or interrupted sweeps are safe.
type Sweeper struct {
	ledger  Ledger
	batch   int
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSweeper creates a sweeper. m may be nil.
func NewSweeper(l Ledger, batchSize int, log logger.Logger, m *metrics.Metrics) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		ledger:  l,
		batch:   batchSize,
		logger:  log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep unlocks every transaction due at the time the sweep starts. Rows that
// fail stay locked for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	start := time.Now()
	now := s.now()

	for {
		due, err := s.ledger.DueForUnlock(ctx, now, s.batch)
		if err != nil {
			return result, err
		}
		if len(due) == 0 {
			break
		}

		batchErrors := 0
		for _, txn := range due {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			result.Scanned++
			outcome, err := s.ledger.Unlock(ctx, txn.ID)
			switch {
			case err != nil:
				batchErrors++
				s.logger.Error("failed to unlock transaction", "transaction_id", txn.ID, "error", err)
			case outcome == ledger.Applied:
				result.Unlocked++
			default:
				result.NoOps++
			}
		}
		result.Errors += batchErrors

		// Failed rows would be selected again, so an erroring batch ends the sweep.
		if len(due) < s.batch || batchErrors > 0 {
			break
		}
	}

	s.metrics.RecordSweep(time.Since(start), result.Unlocked)
	if result.Scanned > 0 {
		s.logger.Info("unlock sweep finished",
			"scanned", result.Scanned,
			"unlocked", result.Unlocked,
			"noops", result.NoOps,
			"errors", result.Errors,
		)
	}
	return result, nil
}
