// Package rewards is the outbound query API of the ledger: points summaries,
// network trees, redemptions and referral registration for one user.
package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanlanch/rewardsledger/pkg/cache"
	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/network"
	"github.com/jordanlanch/rewardsledger/pkg/referral"
)

const (
	summaryKeyPrefix  = "rewards:summary:"
	defaultSummaryTTL = 30 * time.Second
)

// Service composes the referral store, ledger and network builder
type Service struct {
	referrals *referral.Service
	ledger    *ledger.Ledger
	network   *network.Builder
	cache     *cache.Client
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    logger.Logger
}

// Option configures a Service
type Option func(*Service)

// WithCache enables summary caching in Redis
func WithCache(c *cache.Client, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMetrics records cache and referral metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates the rewards service
func NewService(referrals *referral.Service, l *ledger.Ledger, builder *network.Builder, opts ...Option) *Service {
	s := &Service{
		referrals: referrals,
		ledger:    l,
		network:   builder,
		ttl:       defaultSummaryTTL,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPointsSummary returns the user's balance, referral code and network counts
func (s *Service) GetPointsSummary(ctx context.Context, userID string) (*models.PointsSummary, error) {
	key := summaryKeyPrefix + userID
	if s.cache != nil {
		var cached models.PointsSummary
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("summary cache read failed", "user_id", userID, "error", err)
		}
		if hit {
			s.metrics.RecordCacheHit("redis")
			return &cached, nil
		}
		s.metrics.RecordCacheMiss("redis")
	}

	user, err := s.referrals.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	direct, err := s.referrals.DirectReferrals(ctx, userID)
	if err != nil {
		return nil, err
	}
	total, err := s.referrals.NetworkSize(ctx, userID)
	if err != nil {
		return nil, err
	}
	pendingCount, pendingAmount, err := s.ledger.PendingTotals(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &models.PointsSummary{
		Available:           balance.Available,
		Locked:              balance.Locked,
		Lifetime:            balance.Lifetime,
		Redeemed:            balance.Redeemed,
		ReferralCode:        user.ReferralCode,
		DirectReferrals:     direct,
		TotalNetwork:        total,
		PendingTransactions: pendingCount,
		PendingAmount:       pendingAmount,
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, summary, s.ttl); err != nil {
			s.logger.Warn("summary cache write failed", "user_id", userID, "error", err)
		}
	}
	return summary, nil
}

// GetNetworkTree returns a page of the user's referral network
func (s *Service) GetNetworkTree(ctx context.Context, userID string, req models.PageRequest) (*models.NetworkTree, error) {
	if _, err := s.referrals.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.network.Build(ctx, userID, req)
}

// RedeemPoints redeems available points
func (s *Service) RedeemPoints(ctx context.Context, userID string, amount int64) (*models.RedeemResponse, error) {
	balance, err := s.ledger.Redeem(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	s.InvalidateSummaries(ctx, userID)

	s.logger.Info("points redeemed", "user_id", userID, "amount", amount, "available", balance.Available)
	return &models.RedeemResponse{
		Success:   true,
		Redeemed:  amount,
		Available: balance.Available,
	}, nil
}

// RegisterReferral attaches the user under the owner of code
func (s *Service) RegisterReferral(ctx context.Context, userID, code string) (*models.ReferralEdge, error) {
	edge, err := s.referrals.RegisterReferral(ctx, userID, code)
	if err != nil {
		if reason := domain.GetReason(err); reason != "" {
			s.metrics.RecordReferral(reason)
		}
		return nil, err
	}
	s.metrics.RecordReferral("success")

	// network counts of every ancestor changed
	ancestors, err := s.referrals.AncestorChain(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to resolve ancestors for cache invalidation", "user_id", userID, "error", err)
		return edge, nil
	}
	ids := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		ids = append(ids, a.UserID)
	}
	s.InvalidateSummaries(ctx, ids...)

	return edge, nil
}

// InvalidateSummaries drops cached summaries of the given users
func (s *Service) InvalidateSummaries(ctx context.Context, userIDs ...string) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = summaryKeyPrefix + id
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("summary cache invalidation failed", "users", len(keys), "error", err)
	}
}

// InvalidateAllSummaries drops every cached summary, used after bulk balance changes
func (s *Service) InvalidateAllSummaries(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	n, err := s.cache.DeletePattern(ctx, summaryKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to flush summaries: %w", err)
	}
	s.logger.Debug("summary cache flushed", "keys", n)
	return nil
}
