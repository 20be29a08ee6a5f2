package models

import "time"

// PointsSummary is the response of the points summary query
type PointsSummary struct {
	Available           int64  `json:"available"`
	Locked              int64  `json:"locked"`
	Lifetime            int64  `json:"lifetime"`
	Redeemed            int64  `json:"redeemed"`
	ReferralCode        string `json:"referral_code"`
	DirectReferrals     int64  `json:"direct_referrals"`
	TotalNetwork        int64  `json:"total_network"`
	PendingTransactions int64  `json:"pending_transactions"`
	PendingAmount       int64  `json:"pending_amount"`
}

// MemberStatus is derived at read time from a member's event history
type MemberStatus string

// Member statuses.
const (
	StatusSignedUp     MemberStatus = "signed_up"
	StatusFirstBooking MemberStatus = "first_booking"
	StatusActive       MemberStatus = "active"
)

// NetworkMember is one descendant in a user's referral network
type NetworkMember struct {
	RefereeID         string       `json:"referee_id"`
	Level             int          `json:"level"`
	Status            MemberStatus `json:"status"`
	TotalBookings     int64        `json:"total_bookings"`
	TotalRevenue      float64      `json:"total_revenue"`
	TotalPointsEarned int64        `json:"total_points_earned"`
	JoinedAt          time.Time    `json:"joined_at"`
}

// LevelPage is one page of members at a single network level
type LevelPage struct {
	Total         int64           `json:"total"`
	Members       []NetworkMember `json:"members"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// NetworkLevels groups member pages by distance from the viewer
type NetworkLevels struct {
	Level1 LevelPage `json:"level1"`
	Level2 LevelPage `json:"level2"`
	Level3 LevelPage `json:"level3"`
}

// NetworkTree is the response of the network tree query
type NetworkTree struct {
	Total   int64         `json:"total"`
	ByLevel NetworkLevels `json:"by_level"`
}

// PageRequest selects a page of network members. Level 0 means every level.
type PageRequest struct {
	Level     int    `query:"level" validate:"gte=0,lte=3"`
	PageSize  int    `query:"page_size" validate:"gte=0,lte=500"`
	PageToken string `query:"page_token" validate:"max=64"`
}

// RedeemRequest is the body of the redemption endpoint
type RedeemRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// RedeemResponse reports a successful redemption
type RedeemResponse struct {
	Success   bool  `json:"success"`
	Redeemed  int64 `json:"redeemed"`
	Available int64 `json:"available"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// InsufficientBalanceResponse is returned when a redemption exceeds the available balance
type InsufficientBalanceResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available int64  `json:"available"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
