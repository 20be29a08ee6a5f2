package models

import "time"

// Product types known to the commission rules.
const (
	ProductFlightDomestic      = "flight-domestic"
	ProductFlightInternational = "flight-international"
	ProductHotel               = "hotel"
	ProductPackage             = "package"
	ProductCar                 = "car"
	ProductActivity            = "activity"
)

// BookingRecord is the ledger's own observation of an external booking. It
// doubles as a tombstone when a cancellation is delivered before completion.
type BookingRecord struct {
	BookingID        string     `gorm:"primaryKey;size:64" json:"booking_id"`
	UserID           string     `gorm:"size:64;index:idx_booking_user_completed,priority:1" json:"user_id"`
	ProductType      string     `gorm:"size:32" json:"product_type"`
	PlatformEarnings float64    `json:"platform_earnings"`
	BookingAmount    float64    `json:"booking_amount"`
	CompletedAt      *time.Time `gorm:"index:idx_booking_user_completed,priority:2" json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     string     `gorm:"size:64" json:"cancel_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName pins the table name.
func (BookingRecord) TableName() string {
	return "booking_records"
}

// Cancelled reports whether a cancellation or refund has been observed.
func (b BookingRecord) Cancelled() bool {
	return b.CancelledAt != nil
}

// Event type names used on every transport.
const (
	EventBookingCompleted = "booking.completed"
	EventBookingCancelled = "booking.cancelled"
	EventUserRegistered   = "user.registered"
)

// BookingCompleted is emitted by the booking pipeline once a booking is paid and confirmed.
type BookingCompleted struct {
	BookingID        string    `json:"booking_id" validate:"required,max=64"`
	UserID           string    `json:"user_id" validate:"required,max=64"`
	ProductType      string    `json:"product_type" validate:"required,max=32"`
	PlatformEarnings float64   `json:"platform_earnings" validate:"gte=0"`
	BookingAmount    float64   `json:"booking_amount,omitempty" validate:"gte=0"`
	CompletedAt      time.Time `json:"completed_at" validate:"required"`
}

// BookingCancelled covers both cancellations and refunds.
type BookingCancelled struct {
	BookingID string `json:"booking_id" validate:"required,max=64"`
	Reason    string `json:"reason,omitempty" validate:"omitempty,max=64"`
}

// UserRegistered is emitted by the account service when a user signs up.
type UserRegistered struct {
	UserID       string    `json:"user_id" validate:"required,max=64"`
	JoinedAt     time.Time `json:"joined_at" validate:"required"`
	ReferralCode string    `json:"referral_code,omitempty"`
}
