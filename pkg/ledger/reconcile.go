package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

const defaultReconcileBatch = 500

// AlertFunc is invoked for every drifted balance found during reconciliation.
type AlertFunc func(ctx context.Context, alert models.IntegrityAlert)

// ReconcileResult summarises a reconciliation run
type ReconcileResult struct {
	Checked int                     `json:"checked"`
	Drifted int                     `json:"drifted"`
	Alerts  []models.IntegrityAlert `json:"alerts,omitempty"`
}

// Reconciler compares stored balances with the replayed log. It reports
// drift and never corrects it.
type Reconciler struct {
	db      *gorm.DB
	logger  logger.Logger
	metrics *metrics.Metrics
	alert   AlertFunc
	batch   int
	now     func() time.Time
}

// NewReconciler creates a reconciler. alert and m may be nil.
func NewReconciler(db *gorm.DB, log logger.Logger, m *metrics.Metrics, alert AlertFunc) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		db:      db,
		logger:  log,
		metrics: m,
		alert:   alert,
		batch:   defaultReconcileBatch,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ledgerOwnersQuery pages over every user that owns a balance row, a
// transaction or a redemption. A user with log entries but no balance row is
// checked against a zero balance.
const ledgerOwnersQuery = `SELECT user_id FROM points_balances WHERE user_id > ?
UNION SELECT owner_user_id FROM points_transactions WHERE owner_user_id > ?
UNION SELECT user_id FROM redemptions WHERE user_id > ?
ORDER BY 1
LIMIT ?`

// Run checks every ledger owner, recording an IntegrityAlert for each balance
// that disagrees with its replay.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	after := ""
	for {
		var userIDs []string
		err := r.db.WithContext(ctx).Raw(ledgerOwnersQuery, after, after, after, r.batch).Scan(&userIDs).Error
		if err != nil {
			return result, fmt.Errorf("failed to list ledger owners: %w", err)
		}
		if len(userIDs) == 0 {
			break
		}

		for _, userID := range userIDs {
			alert, err := r.check(ctx, userID)
			if err != nil {
				return result, err
			}
			result.Checked++
			if alert != nil {
				result.Drifted++
				result.Alerts = append(result.Alerts, *alert)
			}
		}
		after = userIDs[len(userIDs)-1]
	}

	r.logger.Info("ledger reconciliation finished", "checked", result.Checked, "drifted", result.Drifted)
	return result, nil
}

// check compares one balance with its replay inside a single read snapshot.
func (r *Reconciler) check(ctx context.Context, userID string) (*models.IntegrityAlert, error) {
	var stored, expected *models.PointsBalance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if stored, err = loadBalance(tx, userID); err != nil {
			return err
		}
		expected, err = replay(tx, userID)
		return err
	}, snapshotOptions(r.db)...)
	if err != nil {
		return nil, err
	}

	if stored.SameBuckets(*expected) && stored.Conserved() {
		return nil, nil
	}

	alert := models.IntegrityAlert{
		ID:                uuid.NewString(),
		UserID:            userID,
		StoredAvailable:   stored.Available,
		ExpectedAvailable: expected.Available,
		StoredLocked:      stored.Locked,
		ExpectedLocked:    expected.Locked,
		StoredLifetime:    stored.Lifetime,
		ExpectedLifetime:  expected.Lifetime,
		StoredRedeemed:    stored.Redeemed,
		ExpectedRedeemed:  expected.Redeemed,
		StoredForfeited:   stored.Forfeited,
		ExpectedForfeited: expected.Forfeited,
		DetectedAt:        r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return nil, fmt.Errorf("failed to record integrity alert: %w", err)
	}

	r.logger.Error("ledger balance drift detected",
		"user_id", userID,
		"stored_available", stored.Available, "expected_available", expected.Available,
		"stored_locked", stored.Locked, "expected_locked", expected.Locked,
		"stored_lifetime", stored.Lifetime, "expected_lifetime", expected.Lifetime,
	)
	r.metrics.RecordDrift()
	if r.alert != nil {
		r.alert(ctx, alert)
	}
	return &alert, nil
}

// ListAlerts returns the most recent integrity alerts, newest first
func (r *Reconciler) ListAlerts(ctx context.Context, includeAcknowledged bool, limit int) ([]models.IntegrityAlert, error) {
	q := r.db.WithContext(ctx).Order("detected_at DESC").Limit(limit)
	if !includeAcknowledged {
		q = q.Where("acknowledged_at IS NULL")
	}

	var alerts []models.IntegrityAlert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list integrity alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as reviewed. Acknowledging twice is a no-op.
func (r *Reconciler) AcknowledgeAlert(ctx context.Context, id string) (*models.IntegrityAlert, error) {
	now := r.now()
	err := r.db.WithContext(ctx).
		Model(&models.IntegrityAlert{}).
		Where("id = ? AND acknowledged_at IS NULL", id).
		Update("acknowledged_at", now).Error
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert %s: %w", id, err)
	}

	var alert models.IntegrityAlert
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("integrity alert")
		}
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	return &alert, nil
}

// snapshotOptions requests a repeatable-read snapshot on Postgres. SQLite
// transactions are already serialised on the single connection.
func snapshotOptions(db *gorm.DB) []*sql.TxOptions {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
}
