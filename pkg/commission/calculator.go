package commission

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// SkipCancelled marks a completion whose booking was already cancelled.
const SkipCancelled = "booking_cancelled"

// ForfeitLateCancel is the forfeit reason used when a cancellation landed
// while the booking was being credited.
const ForfeitLateCancel = "cancelled_during_credit"

// AncestorSource resolves the booker and the referral chain above it
type AncestorSource interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	AncestorChain(ctx context.Context, userID string) ([]models.Ancestor, error)
}

// Ledger is the subset of the points ledger the calculator writes to
type Ledger interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (string, bool, error)
	Forfeit(ctx context.Context, txnID, reason string) (ledger.Outcome, error)
}

// DueTimer computes when a credit created for a completed booking unlocks
type DueTimer interface {
	UnlockDueAt(completedAt time.Time) time.Time
}

// Credit is one ancestor credit produced for a booking
type Credit struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Level         int    `json:"level"`
	Points        int64  `json:"points"`
	Created       bool   `json:"created"`
}

// Result reports what a completion produced
type Result struct {
	BookingID string   `json:"booking_id"`
	Credits   []Credit `json:"credits"`
	Skipped   string   `json:"skipped,omitempty"`
}

// Calculator turns completed bookings into locked ancestor credits
type Calculator struct {
	db        *gorm.DB
	ancestors AncestorSource
	ledger    Ledger
	due       DueTimer
	logger    logger.Logger
}

// NewCalculator creates a commission calculator
func NewCalculator(db *gorm.DB, ancestors AncestorSource, l Ledger, due DueTimer, log logger.Logger) *Calculator {
	if log == nil {
		log = logger.Nop()
	}
	return &Calculator{
		db:        db,
		ancestors: ancestors,
		ledger:    l,
		due:       due,
		logger:    log,
	}
}

// HandleBookingCompleted credits every ancestor of the booking owner. It is
// safe to call repeatedly for the same event.
func (c *Calculator) HandleBookingCompleted(ctx context.Context, ev models.BookingCompleted) (*Result, error) {
	if ev.BookingID == "" || ev.UserID == "" {
		return nil, domain.NewValidationError("booking completion requires booking and user ids")
	}
	if ev.CompletedAt.IsZero() {
		return nil, domain.NewValidationError("booking completion requires a completion time")
	}

	// The booker must be registered before its bookings are recorded
	if _, err := c.ancestors.GetUser(ctx, ev.UserID); err != nil {
		return nil, err
	}

	result := &Result{BookingID: ev.BookingID}

	record, err := c.recordCompletion(ctx, ev)
	if err != nil {
		return nil, err
	}
	if record.Cancelled() {
		c.logger.Info("skipping commission for cancelled booking", "booking_id", ev.BookingID)
		result.Skipped = SkipCancelled
		return result, nil
	}

	chain, err := c.ancestors.AncestorChain(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ancestors: %w", err)
	}

	earnings := EarningsBasis(ev.PlatformEarnings, ev.BookingAmount, ev.ProductType)
	dueAt := c.due.UnlockDueAt(ev.CompletedAt)

	for _, a := range chain {
		points := Points(earnings, a.Level, ev.ProductType)
		if points <= 0 {
			continue
		}

		id, created, err := c.ledger.Credit(ctx, ledger.CreditRequest{
			UserID:       a.UserID,
			SourceUserID: ev.UserID,
			BookingID:    ev.BookingID,
			Level:        a.Level,
			Points:       points,
			UnlockDueAt:  dueAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to credit level %d: %w", a.Level, err)
		}

		result.Credits = append(result.Credits, Credit{
			TransactionID: id,
			UserID:        a.UserID,
			Level:         a.Level,
			Points:        points,
			Created:       created,
		})
	}

	if err := c.forfeitIfCancelled(ctx, result); err != nil {
		return nil, err
	}

	c.logger.Info("commission credited",
		"booking_id", ev.BookingID,
		"user_id", ev.UserID,
		"product_type", ev.ProductType,
		"levels", len(result.Credits),
	)
	return result, nil
}

// recordCompletion upserts the booking record. A record that only holds a
// cancellation tombstone keeps it and gains the completion details.
func (c *Calculator) recordCompletion(ctx context.Context, ev models.BookingCompleted) (*models.BookingRecord, error) {
	var record models.BookingRecord
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completedAt := ev.CompletedAt.UTC()
		fresh := models.BookingRecord{
			BookingID:        ev.BookingID,
			UserID:           ev.UserID,
			ProductType:      ev.ProductType,
			PlatformEarnings: ev.PlatformEarnings,
			BookingAmount:    ev.BookingAmount,
			CompletedAt:      &completedAt,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			return fmt.Errorf("failed to record booking: %w", err)
		}

		if err := tx.Model(&models.BookingRecord{}).
			Where("booking_id = ? AND completed_at IS NULL", ev.BookingID).
			Updates(map[string]any{
				"user_id":           ev.UserID,
				"product_type":      ev.ProductType,
				"platform_earnings": ev.PlatformEarnings,
				"booking_amount":    ev.BookingAmount,
				"completed_at":      completedAt,
			}).Error; err != nil {
			return fmt.Errorf("failed to complete booking record: %w", err)
		}

		return tx.Where("booking_id = ?", ev.BookingID).Take(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// forfeitIfCancelled closes the window where a cancellation is recorded after
// the tombstone check but before the credits above were committed.
func (c *Calculator) forfeitIfCancelled(ctx context.Context, result *Result) error {
	if len(result.Credits) == 0 {
		return nil
	}

	var record models.BookingRecord
	if err := c.db.WithContext(ctx).Where("booking_id = ?", result.BookingID).Take(&record).Error; err != nil {
		return fmt.Errorf("failed to reload booking record: %w", err)
	}
	if !record.Cancelled() {
		return nil
	}

	for _, cr := range result.Credits {
		if _, err := c.ledger.Forfeit(ctx, cr.TransactionID, ForfeitLateCancel); err != nil {
			return fmt.Errorf("failed to forfeit late cancelled credit: %w", err)
		}
	}
	c.logger.Warn("booking cancelled while crediting, credits forfeited", "booking_id", result.BookingID)
	return nil
}
