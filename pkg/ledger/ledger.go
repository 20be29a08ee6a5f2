// Package ledger is the append-only points ledger. Every change to a user's
// materialised balance is written in the same database transaction as the
// transaction or redemption row that explains it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// Outcome is the result of resolving a locked transaction
type Outcome string

// Resolution outcomes. NoOp means the transaction had already left the locked state.
const (
	Applied Outcome = "applied"
	NoOp    Outcome = "noop"
)

// CreditRequest describes one locked commission credit
type CreditRequest struct {
	UserID       string
	SourceUserID string
	BookingID    string
	Level        int
	Points       int64
	UnlockDueAt  time.Time
}

// Ledger owns points transactions, redemptions and balances
type Ledger struct {
	db      *gorm.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a ledger on db. m may be nil.
func New(db *gorm.DB, m *metrics.Metrics) *Ledger {
	return &Ledger{
		db:      db,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Credit inserts a locked transaction keyed by (booking, user, level). If the
// key already exists the existing id is returned with created=false and no
// balance changes.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (string, bool, error) {
	switch {
	case req.UserID == "" || req.BookingID == "":
		return "", false, domain.NewValidationError("credit requires a user and a booking")
	case req.Level < 1 || req.Level > 3:
		return "", false, domain.NewValidationError(fmt.Sprintf("invalid commission level %d", req.Level))
	case req.Points <= 0:
		return "", false, domain.NewValidationError("credit points must be positive")
	case req.UnlockDueAt.IsZero():
		return "", false, domain.NewValidationError("credit requires an unlock due time")
	}

	var (
		id      string
		created bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		txn := models.PointsTransaction{
			ID:           uuid.NewString(),
			BookingID:    req.BookingID,
			OwnerUserID:  req.UserID,
			Level:        req.Level,
			SourceUserID: req.SourceUserID,
			Points:       req.Points,
			State:        models.StateLocked,
			LockedAt:     now,
			UnlockDueAt:  req.UnlockDueAt.UTC(),
			CreatedAt:    now,
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "booking_id"}, {Name: "owner_user_id"}, {Name: "level"}},
			DoNothing: true,
		}).Create(&txn)
		if res.Error != nil {
			return fmt.Errorf("failed to insert transaction: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			var existing models.PointsTransaction
			err := tx.Select("id").
				Where("booking_id = ? AND owner_user_id = ? AND level = ?", req.BookingID, req.UserID, req.Level).
				Take(&existing).Error
			if err != nil {
				return fmt.Errorf("failed to load existing transaction: %w", err)
			}
			id = existing.ID
			return nil
		}

		if err := adjustBalance(tx, req.UserID, map[string]any{
			"locked":   gorm.Expr("locked + ?", req.Points),
			"lifetime": gorm.Expr("lifetime + ?", req.Points),
		}); err != nil {
			return err
		}

		id, created = txn.ID, true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	l.metrics.RecordCredit(req.Level, req.Points, created)
	return id, created, nil
}

// Unlock moves a locked transaction to available
func (l *Ledger) Unlock(ctx context.Context, txnID string) (Outcome, error) {
	return l.resolve(ctx, txnID, models.StateAvailable, "")
}

// Forfeit moves a locked transaction to forfeited
func (l *Ledger) Forfeit(ctx context.Context, txnID, reason string) (Outcome, error) {
	return l.resolve(ctx, txnID, models.StateForfeited, reason)
}

// resolve applies a locked -> to transition with a conditional update so the
// first of a concurrent unlock and forfeit wins and the other becomes a NoOp.
func (l *Ledger) resolve(ctx context.Context, txnID string, to models.TransactionState, reason string) (Outcome, error) {
	outcome := NoOp
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.PointsTransaction
		if err := tx.Where("id = ?", txnID).Take(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewNotFoundError("transaction")
			}
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		updates := map[string]any{
			"state":       to,
			"resolved_at": l.now(),
		}
		if reason != "" {
			updates["forfeit_reason"] = reason
		}

		res := tx.Model(&models.PointsTransaction{}).
			Where("id = ? AND state = ?", txnID, models.StateLocked).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to transition transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		bucket := "available"
		if to == models.StateForfeited {
			bucket = "forfeited"
		}
		if err := adjustBalance(tx, txn.OwnerUserID, map[string]any{
			"locked": gorm.Expr("locked - ?", txn.Points),
			bucket:   gorm.Expr(bucket+" + ?", txn.Points),
		}); err != nil {
			return err
		}

		outcome = Applied
		return nil
	})
	if err != nil {
		return NoOp, err
	}

	l.metrics.RecordTransition(string(to), outcome == Applied)
	return outcome, nil
}

// Redeem consumes points from the available balance. It either fully applies
// or fails with an insufficient balance error carrying the current amount.
func (l *Ledger) Redeem(ctx context.Context, userID string, points int64) (*models.PointsBalance, error) {
	if points <= 0 {
		return nil, domain.NewValidationError("redeem amount must be positive")
	}

	var after models.PointsBalance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PointsBalance{}).
			Where("user_id = ? AND available >= ?", userID, points).
			Updates(map[string]any{
				"available": gorm.Expr("available - ?", points),
				"redeemed":  gorm.Expr("redeemed + ?", points),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to debit balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			current, err := loadBalance(tx, userID)
			if err != nil {
				return err
			}
			return domain.NewInsufficientBalanceError(points, current.Available)
		}

		if err := tx.Create(&models.Redemption{
			ID:        uuid.NewString(),
			UserID:    userID,
			Points:    points,
			CreatedAt: l.now(),
		}).Error; err != nil {
			return fmt.Errorf("failed to record redemption: %w", err)
		}

		b, err := loadBalance(tx, userID)
		if err != nil {
			return err
		}
		after = *b
		return nil
	})
	if err != nil {
		if domain.IsInsufficientBalance(err) {
			l.metrics.RecordRedemption(points, false)
		}
		return nil, err
	}

	l.metrics.RecordRedemption(points, true)
	return &after, nil
}

// Balance returns the stored balance. Users without ledger activity have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.PointsBalance, error) {
	return loadBalance(l.db.WithContext(ctx), userID)
}

// PendingTransactions lists a user's locked transactions, soonest unlock first
func (l *Ledger) PendingTransactions(ctx context.Context, userID string) ([]models.PointsTransaction, error) {
	var txns []models.PointsTransaction
	err := l.db.WithContext(ctx).
		Where("owner_user_id = ? AND state = ?", userID, models.StateLocked).
		Order("unlock_due_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions: %w", err)
	}
	return txns, nil
}

// PendingTotals counts a user's locked transactions and sums their points
func (l *Ledger) PendingTotals(ctx context.Context, userID string) (int64, int64, error) {
	var row struct {
		Count  int64
		Amount int64
	}
	err := l.db.WithContext(ctx).Model(&models.PointsTransaction{}).
		Select("COUNT(*) AS count, COALESCE(SUM(points), 0) AS amount").
		Where("owner_user_id = ? AND state = ?", userID, models.StateLocked).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum pending transactions: %w", err)
	}
	return row.Count, row.Amount, nil
}

// LockedForBooking lists the still-locked transactions created for a booking
func (l *Ledger) LockedForBooking(ctx context.Context, bookingID string) ([]models.PointsTransaction, error) {
	var txns []models.PointsTransaction
	err := l.db.WithContext(ctx).
		Where("booking_id = ? AND state = ?", bookingID, models.StateLocked).
		Order("level ASC").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query booking transactions: %w", err)
	}
	return txns, nil
}

// DueForUnlock returns up to limit locked transactions whose due time is at or before now
func (l *Ledger) DueForUnlock(ctx context.Context, now time.Time, limit int) ([]models.PointsTransaction, error) {
	var txns []models.PointsTransaction
	err := l.db.WithContext(ctx).
		Where("state = ? AND unlock_due_at <= ?", models.StateLocked, now.UTC()).
		Order("unlock_due_at ASC, id ASC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due transactions: %w", err)
	}
	return txns, nil
}

// EarnedFrom sums the non-forfeited points ownerID earned from each source user
func (l *Ledger) EarnedFrom(ctx context.Context, ownerID string, sourceIDs []string) (map[string]int64, error) {
	earned := make(map[string]int64, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return earned, nil
	}

	var rows []struct {
		SourceUserID string
		Total        int64
	}
	err := l.db.WithContext(ctx).Model(&models.PointsTransaction{}).
		Select("source_user_id, COALESCE(SUM(points), 0) AS total").
		Where("owner_user_id = ? AND source_user_id IN ? AND state <> ?", ownerID, sourceIDs, models.StateForfeited).
		Group("source_user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum earnings by source: %w", err)
	}

	for _, r := range rows {
		earned[r.SourceUserID] = r.Total
	}
	return earned, nil
}

// Recompute rebuilds a user's balance by replaying the transaction and redemption logs
func (l *Ledger) Recompute(ctx context.Context, userID string) (*models.PointsBalance, error) {
	return replay(l.db.WithContext(ctx), userID)
}

func replay(db *gorm.DB, userID string) (*models.PointsBalance, error) {
	var rows []struct {
		State models.TransactionState
		Total int64
	}
	err := db.Model(&models.PointsTransaction{}).
		Select("state, COALESCE(SUM(points), 0) AS total").
		Where("owner_user_id = ?", userID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to replay transactions: %w", err)
	}

	var redeemed int64
	err = db.Model(&models.Redemption{}).
		Select("COALESCE(SUM(points), 0)").
		Where("user_id = ?", userID).
		Scan(&redeemed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to replay redemptions: %w", err)
	}

	b := &models.PointsBalance{UserID: userID, Redeemed: redeemed}
	for _, r := range rows {
		b.Lifetime += r.Total
		switch r.State {
		case models.StateLocked:
			b.Locked += r.Total
		case models.StateAvailable:
			b.Available += r.Total
		case models.StateForfeited:
			b.Forfeited += r.Total
		}
	}
	b.Available -= redeemed
	return b, nil
}

func loadBalance(db *gorm.DB, userID string) (*models.PointsBalance, error) {
	var b models.PointsBalance
	err := db.Where("user_id = ?", userID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.PointsBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &b, nil
}

// adjustBalance creates the balance row on first use and applies updates to it
// in a single statement.
func adjustBalance(tx *gorm.DB, userID string, updates map[string]any) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.PointsBalance{UserID: userID}).Error; err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}

	res := tx.Model(&models.PointsBalance{}).Where("user_id = ?", userID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update balance: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.NewInternalError(fmt.Errorf("balance row for %s not updated", userID))
	}
	return nil
}
