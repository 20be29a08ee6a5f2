package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanlanch/rewardsledger/pkg/cache"
	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/network"
	"github.com/jordanlanch/rewardsledger/pkg/referral"
	"github.com/jordanlanch/rewardsledger/pkg/testutil"
)

type fixture struct {
	svc       *Service
	ledger    *ledger.Ledger
	referrals *referral.Service
	mr        *miniredis.Miniredis
}

func setupTestService(t *testing.T) *fixture {
	db := testutil.NewDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rc := &cache.Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() {
		_ = rc.Close()
		mr.Close()
	})

	refs := referral.NewService(db)
	l := ledger.New(db, nil)
	builder := network.NewBuilder(db, refs, l, 0)

	return &fixture{
		svc:       NewService(refs, l, builder, WithCache(rc, time.Minute)),
		ledger:    l,
		referrals: refs,
		mr:        mr,
	}
}

func (f *fixture) unlockedCredit(t *testing.T, userID, bookingID string, points int64) {
	t.Helper()
	ctx := context.Background()
	id, _, err := f.ledger.Credit(ctx, ledger.CreditRequest{
		UserID: userID, BookingID: bookingID, Level: 1, Points: points, UnlockDueAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = f.ledger.Unlock(ctx, id)
	require.NoError(t, err)
}

func TestGetPointsSummary(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	owner, err := f.referrals.CreateUser(ctx, "owner", time.Now())
	require.NoError(t, err)
	child, err := f.referrals.CreateUser(ctx, "child", time.Now())
	require.NoError(t, err)
	_, err = f.svc.RegisterReferral(ctx, child.ID, owner.ReferralCode)
	require.NoError(t, err)

	f.unlockedCredit(t, "owner", "bk-1", 100)
	_, _, err = f.ledger.Credit(ctx, ledger.CreditRequest{
		UserID: "owner", BookingID: "bk-2", Level: 1, Points: 40, UnlockDueAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	t.Run("Success - Summary reflects balance and network", func(t *testing.T) {
		s, err := f.svc.GetPointsSummary(ctx, "owner")
		require.NoError(t, err)

		assert.Equal(t, models.PointsSummary{
			Available:           100,
			Locked:              40,
			Lifetime:            140,
			ReferralCode:        owner.ReferralCode,
			DirectReferrals:     1,
			TotalNetwork:        1,
			PendingTransactions: 1,
			PendingAmount:       40,
		}, *s)
		assert.True(t, f.mr.Exists(summaryKeyPrefix+"owner"))
	})

	t.Run("Success - Redeem invalidates the cached summary", func(t *testing.T) {
		resp, err := f.svc.RedeemPoints(ctx, "owner", 30)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, int64(70), resp.Available)
		assert.False(t, f.mr.Exists(summaryKeyPrefix+"owner"))

		s, err := f.svc.GetPointsSummary(ctx, "owner")
		require.NoError(t, err)
		assert.Equal(t, int64(70), s.Available)
		assert.Equal(t, int64(30), s.Redeemed)
	})

	t.Run("Error - Unknown user", func(t *testing.T) {
		_, err := f.svc.GetPointsSummary(ctx, "ghost")
		assert.True(t, domain.IsNotFound(err))
	})
}

func TestRegisterReferral_InvalidatesAncestorSummaries(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	owner, err := f.referrals.CreateUser(ctx, "owner", time.Now())
	require.NoError(t, err)
	_, err = f.referrals.CreateUser(ctx, "newbie", time.Now())
	require.NoError(t, err)

	before, err := f.svc.GetPointsSummary(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(0), before.DirectReferrals)

	_, err = f.svc.RegisterReferral(ctx, "newbie", owner.ReferralCode)
	require.NoError(t, err)

	after, err := f.svc.GetPointsSummary(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.DirectReferrals)

	_, err = f.svc.RegisterReferral(ctx, "newbie", owner.ReferralCode)
	assert.Equal(t, domain.ReasonAlreadyReferred, domain.GetReason(err))
}

func TestRedeemPoints_Insufficient(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	f.unlockedCredit(t, "saver", "bk-1", 50)

	_, err := f.svc.RedeemPoints(ctx, "saver", 80)
	require.Error(t, err)
	de, ok := domain.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, int64(50), de.Available)
}

func TestGetNetworkTree(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	_, err := f.svc.GetNetworkTree(ctx, "ghost", models.PageRequest{})
	assert.True(t, domain.IsNotFound(err))

	_, err = f.referrals.CreateUser(ctx, "solo", time.Now())
	require.NoError(t, err)
	tree, err := f.svc.GetNetworkTree(ctx, "solo", models.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, tree.Total)
}

func TestInvalidateAllSummaries(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	require.NoError(t, f.mr.Set(summaryKeyPrefix+"a", "{}"))
	require.NoError(t, f.mr.Set(summaryKeyPrefix+"b", "{}"))

	require.NoError(t, f.svc.InvalidateAllSummaries(ctx))
	assert.False(t, f.mr.Exists(summaryKeyPrefix+"a"))
	assert.False(t, f.mr.Exists(summaryKeyPrefix+"b"))

	uncached := NewService(f.referrals, f.ledger, nil)
	assert.NoError(t, uncached.InvalidateAllSummaries(ctx))
}
