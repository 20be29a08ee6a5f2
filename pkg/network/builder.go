// Package network builds the per-level view of a user's referral network.
package network

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

const (
	// MaxLevel is the deepest level shown in a network tree.
	MaxLevel = 3
	// DefaultActiveThreshold is the completed booking count at which a member is active.
	DefaultActiveThreshold = 2
)

// Graph is the read side of the referral store used by the builder
type Graph interface {
	DescendantLevel(ctx context.Context, userID string, level, pageSize int, pageToken string) ([]models.User, string, error)
	CountLevel(ctx context.Context, userID string, level int) (int64, error)
}

// Earnings reports the points a viewer earned from specific members
type Earnings interface {
	EarnedFrom(ctx context.Context, ownerID string, sourceIDs []string) (map[string]int64, error)
}

// Builder assembles network trees
type Builder struct {
	db              *gorm.DB
	graph           Graph
	earnings        Earnings
	activeThreshold int64
}

// NewBuilder creates a network tree builder. A threshold <= 0 uses DefaultActiveThreshold.
func NewBuilder(db *gorm.DB, graph Graph, earnings Earnings, activeThreshold int) *Builder {
	if activeThreshold <= 0 {
		activeThreshold = DefaultActiveThreshold
	}
	return &Builder{
		db:              db,
		graph:           graph,
		earnings:        earnings,
		activeThreshold: int64(activeThreshold),
	}
}

// Status derives a member's status from its completed, non-cancelled bookings
func Status(bookingCount, activeThreshold int64) models.MemberStatus {
	switch {
	case bookingCount <= 0:
		return models.StatusSignedUp
	case bookingCount < activeThreshold:
		return models.StatusFirstBooking
	default:
		return models.StatusActive
	}
}

// Build returns the viewer's network. Level 0 returns the first page of every
// level; otherwise only the requested level is paged and the page token applies to it.
// Totals always cover the whole network.
func (b *Builder) Build(ctx context.Context, viewerID string, req models.PageRequest) (*models.NetworkTree, error) {
	if req.Level < 0 || req.Level > MaxLevel {
		return nil, domain.NewValidationError(fmt.Sprintf("level must be between 0 and %d", MaxLevel))
	}

	tree := &models.NetworkTree{}
	pages := [MaxLevel]*models.LevelPage{&tree.ByLevel.Level1, &tree.ByLevel.Level2, &tree.ByLevel.Level3}

	for level := 1; level <= MaxLevel; level++ {
		page := pages[level-1]
		page.Members = []models.NetworkMember{}

		total, err := b.graph.CountLevel(ctx, viewerID, level)
		if err != nil {
			return nil, err
		}
		page.Total = total
		tree.Total += total

		if req.Level != 0 && req.Level != level {
			continue
		}
		token := ""
		if req.Level == level {
			token = req.PageToken
		}

		if err := b.fillPage(ctx, viewerID, level, req.PageSize, token, page); err != nil {
			return nil, err
		}
	}

	return tree, nil
}

func (b *Builder) fillPage(ctx context.Context, viewerID string, level, pageSize int, token string, page *models.LevelPage) error {
	users, next, err := b.graph.DescendantLevel(ctx, viewerID, level, pageSize, token)
	if err != nil {
		return err
	}
	page.NextPageToken = next
	if len(users) == 0 {
		return nil
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	stats, err := b.bookingStats(ctx, ids)
	if err != nil {
		return err
	}
	earned, err := b.earnings.EarnedFrom(ctx, viewerID, ids)
	if err != nil {
		return err
	}

	for _, u := range users {
		s := stats[u.ID]
		page.Members = append(page.Members, models.NetworkMember{
			RefereeID:         u.ID,
			Level:             level,
			Status:            Status(s.Bookings, b.activeThreshold),
			TotalBookings:     s.Bookings,
			TotalRevenue:      s.Revenue,
			TotalPointsEarned: earned[u.ID],
			JoinedAt:          u.JoinedAt,
		})
	}
	return nil
}

type memberStats struct {
	UserID   string
	Bookings int64
	Revenue  float64
}

// bookingStats aggregates completed, non-cancelled bookings for one page of members
func (b *Builder) bookingStats(ctx context.Context, userIDs []string) (map[string]memberStats, error) {
	var rows []memberStats
	err := b.db.WithContext(ctx).Model(&models.BookingRecord{}).
		Select(`user_id,
			COUNT(*) AS bookings,
			COALESCE(SUM(CASE WHEN booking_amount > 0 THEN booking_amount ELSE platform_earnings END), 0) AS revenue`).
		Where("user_id IN ? AND completed_at IS NOT NULL AND cancelled_at IS NULL", userIDs).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate member bookings: %w", err)
	}

	out := make(map[string]memberStats, len(rows))
	for _, r := range rows {
		out[r.UserID] = r
	}
	return out, nil
}
