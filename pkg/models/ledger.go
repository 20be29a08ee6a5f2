package models

import (
	"time"

	"gorm.io/gorm"
)

// TransactionState is the lifecycle state of a points transaction.
//
// Legal transitions are locked -> available and locked -> forfeited. Redemption
// consumes the available balance and never mutates the transaction itself.
type TransactionState string

// All transaction states.
const (
	StateLocked    TransactionState = "locked"
	StateAvailable TransactionState = "available"
	StateForfeited TransactionState = "forfeited"
)

// PointsTransaction is one append-only ledger row crediting an ancestor for a booking.
type PointsTransaction struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`
	BookingID     string           `gorm:"size:64;not null;uniqueIndex:idx_txn_credit_key,priority:1" json:"booking_id"`
	OwnerUserID   string           `gorm:"size:64;not null;uniqueIndex:idx_txn_credit_key,priority:2;index:idx_txn_owner_state,priority:1" json:"owner_user_id"`
	Level         int              `gorm:"not null;uniqueIndex:idx_txn_credit_key,priority:3" json:"level"`
	SourceUserID  string           `gorm:"size:64;not null;index" json:"source_user_id"`
	Points        int64            `gorm:"not null" json:"points"`
	State         TransactionState `gorm:"size:16;not null;index:idx_txn_owner_state,priority:2;index:idx_txn_state_due,priority:1" json:"state"`
	LockedAt      time.Time        `gorm:"not null" json:"locked_at"`
	UnlockDueAt   time.Time        `gorm:"not null;index:idx_txn_state_due,priority:2" json:"unlock_due_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	ForfeitReason string           `gorm:"size:64" json:"forfeit_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// TableName pins the table name.
func (PointsTransaction) TableName() string {
	return "points_transactions"
}

// PointsBalance is the materialised per-user balance. It is a cache of the
// transaction and redemption logs, never the source of truth.
type PointsBalance struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	Available int64     `gorm:"not null;default:0" json:"available"`
	Locked    int64     `gorm:"not null;default:0" json:"locked"`
	Lifetime  int64     `gorm:"not null;default:0" json:"lifetime"`
	Redeemed  int64     `gorm:"not null;default:0" json:"redeemed"`
	Forfeited int64     `gorm:"not null;default:0" json:"forfeited"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (PointsBalance) TableName() string {
	return "points_balances"
}

// SameBuckets reports whether two balances agree on every bucket
func (b PointsBalance) SameBuckets(o PointsBalance) bool {
	return b.Available == o.Available &&
		b.Locked == o.Locked &&
		b.Lifetime == o.Lifetime &&
		b.Redeemed == o.Redeemed &&
		b.Forfeited == o.Forfeited
}

// Conserved reports whether every credited point sits in exactly one bucket.
func (b PointsBalance) Conserved() bool {
	return b.Lifetime == b.Available+b.Locked+b.Redeemed+b.Forfeited
}

// Redemption is an append-only record of available points being consumed.
type Redemption struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:64;not null;index" json:"user_id"`
	Points    int64     `gorm:"not null" json:"points"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName pins the table name.
func (Redemption) TableName() string {
	return "points_redemptions"
}

// IntegrityAlert is an operator review item raised when a stored balance
// disagrees with the balance replayed from the log.
type IntegrityAlert struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	UserID            string     `gorm:"size:64;not null;index" json:"user_id"`
	StoredAvailable   int64      `json:"stored_available"`
	ExpectedAvailable int64      `json:"expected_available"`
	StoredLocked      int64      `json:"stored_locked"`
	ExpectedLocked    int64      `json:"expected_locked"`
	StoredLifetime    int64      `json:"stored_lifetime"`
	ExpectedLifetime  int64      `json:"expected_lifetime"`
	StoredRedeemed    int64      `json:"stored_redeemed"`
	ExpectedRedeemed  int64      `json:"expected_redeemed"`
	StoredForfeited   int64      `json:"stored_forfeited"`
	ExpectedForfeited int64      `json:"expected_forfeited"`
	DetectedAt        time.Time  `gorm:"not null;index" json:"detected_at"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
}

// TableName pins the table name.
func (IntegrityAlert) TableName() string {
	return "ledger_integrity_alerts"
}

// DeadLetterEvent stores an inbound event that could not be processed.
type DeadLetterEvent struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	EventType string    `gorm:"size:64;not null;index" json:"event_type"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	Error     string    `gorm:"type:text" json:"error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name.
func (DeadLetterEvent) TableName() string {
	return "dead_letter_events"
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&BookingRecord{},
		&PointsTransaction{},
		&PointsBalance{},
		&Redemption{},
		&IntegrityAlert{},
		&DeadLetterEvent{},
	)
}
