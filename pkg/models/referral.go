package models

import "time"

// User is a platform user as seen by the rewards ledger. ReferrerID is the
// single write-once parent edge of the referral forest.
type User struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	ReferralCode string     `gorm:"size:16;not null;uniqueIndex" json:"referral_code"`
	ReferrerID   *string    `gorm:"size:64;index" json:"referrer_id,omitempty"`
	ReferredAt   *time.Time `json:"referred_at,omitempty"`
	JoinedAt     time.Time  `gorm:"not null" json:"joined_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TableName pins the table name.
func (User) TableName() string {
	return "users"
}

// ReferralEdge is the referee -> referrer relationship.
type ReferralEdge struct {
	RefereeID  string    `json:"referee_id"`
	ReferrerID string    `json:"referrer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ancestor is one entry of an ancestor chain, level 1 being the direct referrer.
type Ancestor struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
}

// RegisterReferralRequest is the body of the referral registration endpoint
type RegisterReferralRequest struct {
	ReferralCode string `json:"referral_code" validate:"max=32"`
}
