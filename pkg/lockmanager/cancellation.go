package lockmanager

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

// CancelResult reports what a cancellation did
type CancelResult struct {
	BookingID string `json:"booking_id"`
	Forfeited int    `json:"forfeited"`
	NoOps     int    `json:"noops"`
}

// CancellationHandler forfeits the locked credits of cancelled or refunded bookings
type CancellationHandler struct {
	db     *gorm.DB
	ledger Ledger
	logger logger.Logger
	now    func() time.Time
}

// NewCancellationHandler creates a cancellation handler
func NewCancellationHandler(db *gorm.DB, l Ledger, log logger.Logger) *CancellationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CancellationHandler{
		db:     db,
		ledger: l,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleBookingCancelled records the cancellation and forfeits every credit of
// the booking that is still locked. Credits that already unlocked are kept.
func (h *CancellationHandler) HandleBookingCancelled(ctx context.Context, ev models.BookingCancelled) (*CancelResult, error) {
	if ev.BookingID == "" {
		return nil, domain.NewValidationError("booking cancellation requires a booking id")
	}
	reason := ev.Reason
	if reason == "" {
		reason = "cancelled"
	}

	if err := h.recordCancellation(ctx, ev.BookingID, reason); err != nil {
		return nil, err
	}

	locked, err := h.ledger.LockedForBooking(ctx, ev.BookingID)
	if err != nil {
		return nil, err
	}

	result := &CancelResult{BookingID: ev.BookingID}
	for _, txn := range locked {
		outcome, err := h.ledger.Forfeit(ctx, txn.ID, reason)
		if err != nil {
			return result, fmt.Errorf("failed to forfeit transaction %s: %w", txn.ID, err)
		}
		if outcome == ledger.Applied {
			result.Forfeited++
		} else {
			result.NoOps++
		}
	}

	h.logger.Info("booking cancellation processed",
		"booking_id", ev.BookingID,
		"reason", reason,
		"forfeited", result.Forfeited,
		"noops", result.NoOps,
	)
	return result, nil
}

// recordCancellation stores the first cancellation seen for a booking. When
// the booking is unknown the row acts as a tombstone for a later completion.
func (h *CancellationHandler) recordCancellation(ctx context.Context, bookingID, reason string) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := h.now()
		tombstone := models.BookingRecord{
			BookingID:    bookingID,
			CancelledAt:  &now,
			CancelReason: reason,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstone).Error; err != nil {
			return fmt.Errorf("failed to record cancellation: %w", err)
		}

		err := tx.Model(&models.BookingRecord{}).
			Where("booking_id = ? AND cancelled_at IS NULL", bookingID).
			Updates(map[string]any{"cancelled_at": now, "cancel_reason": reason}).Error
		if err != nil {
			return fmt.Errorf("failed to mark booking cancelled: %w", err)
		}
		return nil
	})
}
