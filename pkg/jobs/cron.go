package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/lockmanager"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
)

// Job names, also used as lease keys
const (
	JobSweep     = "unlock_sweep"
	JobReconcile = "ledger_reconcile"
)

// Sweeper unlocks credits whose grace period elapsed
type Sweeper interface {
	Sweep(ctx context.Context) (lockmanager.SweepResult, error)
}

// Reconciler compares stored balances with the transaction log
type Reconciler interface {
	Run(ctx context.Context) (*ledger.ReconcileResult, error)
}

// SummaryFlusher drops cached summaries after bulk balance changes
type SummaryFlusher interface {
	InvalidateAllSummaries(ctx context.Context) error
}

// ErrJobBusy is returned by manual triggers while another run holds the lease
var ErrJobBusy = errors.New("job already running")

// CronManager manages scheduled jobs
type CronManager struct {
	cron       *cron.Cron
	sweeper    Sweeper
	reconciler Reconciler
	summaries  SummaryFlusher
	lease      *Lease
	logger     logger.Logger
}

// NewCronManager creates a new cron manager. lease may be nil on single-instance deployments.
func NewCronManager(sweeper Sweeper, reconciler Reconciler, summaries SummaryFlusher, lease *Lease, log logger.Logger) *CronManager {
	if log == nil {
		log = logger.Default()
	}

	return &CronManager{
		cron:       cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		sweeper:    sweeper,
		reconciler: reconciler,
		summaries:  summaries,
		lease:      lease,
		logger:     log,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs(sweepSchedule, reconcileSchedule string) error {
	cm.logger.Info("Setting up cron jobs...")

	_, err := cm.cron.AddFunc(sweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := cm.RunSweep(ctx); err != nil && !errors.Is(err, ErrJobBusy) {
			cm.logger.Error("❌ Unlock sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sweepSchedule, err)
	}

	_, err = cm.cron.AddFunc(reconcileSchedule, func() {
		cm.logger.Info("🕐 Running ledger reconciliation job...")

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Hour)
		defer cancel()

		if _, err := cm.RunReconcile(ctx); err != nil && !errors.Is(err, ErrJobBusy) {
			cm.logger.Error("❌ Ledger reconciliation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", reconcileSchedule, err)
	}

	cm.logger.Info("✅ Cron jobs configured successfully",
		"sweep", sweepSchedule,
		"reconcile", reconcileSchedule,
	)
	return nil
}

// RunSweep unlocks every due credit and flushes cached summaries when
// anything moved to available.
func (cm *CronManager) RunSweep(ctx context.Context) (*lockmanager.SweepResult, error) {
	release, err := cm.acquire(ctx, JobSweep)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := cm.sweeper.Sweep(ctx)
	if res.Unlocked > 0 && cm.summaries != nil {
		if ferr := cm.summaries.InvalidateAllSummaries(ctx); ferr != nil {
			cm.logger.Warn("⚠️ Failed to flush summaries after sweep", "error", ferr)
		}
	}
	if err != nil {
		return &res, err
	}
	if res.Unlocked > 0 {
		cm.logger.Info("✅ Unlock sweep completed", "unlocked", res.Unlocked, "scanned", res.Scanned)
	}
	return &res, nil
}

// RunReconcile runs a full reconciliation pass
func (cm *CronManager) RunReconcile(ctx context.Context) (*ledger.ReconcileResult, error) {
	release, err := cm.acquire(ctx, JobReconcile)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := cm.reconciler.Run(ctx)
	if err != nil {
		return res, err
	}
	if res.Drifted > 0 {
		cm.logger.Warn("⚠️ Ledger reconciliation found drift", "checked", res.Checked, "drifted", res.Drifted)
	} else {
		cm.logger.Info("✅ Ledger reconciliation completed", "checked", res.Checked)
	}
	return res, nil
}

func (cm *CronManager) acquire(ctx context.Context, job string) (func(), error) {
	if cm.lease == nil {
		return func() {}, nil
	}

	ok, err := cm.lease.Acquire(ctx, job)
	if err != nil {
		return nil, err
	}
	if !ok {
		holder, herr := cm.lease.Holder(ctx, job)
		if herr != nil || holder == nil {
			// lease expired or unreadable between the two calls
			cm.logger.Debug("job held by another instance", "job", job)
			return nil, ErrJobBusy
		}
		cm.logger.Debug("job held by another instance",
			"job", job,
			"owner", holder.Owner,
			"started_at", holder.StartedAt,
		)
		return nil, fmt.Errorf("%w: held by %s since %s", ErrJobBusy,
			holder.Owner, time.Unix(holder.StartedAt, 0).UTC().Format(time.RFC3339))
	}
	return func() {
		// the job context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cm.lease.Release(ctx, job); err != nil {
			cm.logger.Warn("failed to release job lease", "job", job, "error", err)
		}
	}, nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Info("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler and returns a context done once running jobs finish
func (cm *CronManager) Stop() context.Context {
	cm.logger.Info("🛑 Stopping cron scheduler...")
	return cm.cron.Stop()
}

// Entries returns the number of scheduled jobs
func (cm *CronManager) Entries() int {
	return len(cm.cron.Entries())
}
