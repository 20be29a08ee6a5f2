package referral

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/referralcode"
	"github.com/jordanlanch/rewardsledger/pkg/testutil"
)

func setupTestService(t *testing.T) (*Service, *gorm.DB) {
	db := testutil.NewDB(t)
	return NewService(db), db
}

func TestCreateUser(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()
	joined := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Success - Assigns a valid referral code", func(t *testing.T) {
		u, err := service.CreateUser(ctx, "user-a", joined)

		require.NoError(t, err)
		assert.Equal(t, "user-a", u.ID)
		assert.NoError(t, referralcode.Validate(u.ReferralCode))
		assert.Nil(t, u.ReferrerID)
		assert.True(t, joined.Equal(u.JoinedAt))
	})

	t.Run("Success - Idempotent for the same user", func(t *testing.T) {
		first, err := service.CreateUser(ctx, "user-b", joined)
		require.NoError(t, err)

		second, err := service.CreateUser(ctx, "user-b", joined.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, first.ReferralCode, second.ReferralCode)
		assert.True(t, first.JoinedAt.Equal(second.JoinedAt))
	})

	t.Run("Error - Empty user id", func(t *testing.T) {
		_, err := service.CreateUser(ctx, "", joined)
		assert.True(t, domain.IsValidation(err))
	})
}

func TestRegisterReferral(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	referrer, err := service.CreateUser(ctx, "referrer", time.Now())
	require.NoError(t, err)
	referee, err := service.CreateUser(ctx, "referee", time.Now())
	require.NoError(t, err)

	t.Run("Error - Malformed code", func(t *testing.T) {
		_, err := service.RegisterReferral(ctx, referee.ID, "nope")
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
		assert.Equal(t, domain.ReasonInvalidCode, domain.GetReason(err))
	})

	t.Run("Error - Well-formed but unknown code", func(t *testing.T) {
		var unknown string
		for {
			unknown, err = referralcode.Generate()
			require.NoError(t, err)
			if unknown != referrer.ReferralCode && unknown != referee.ReferralCode {
				break
			}
		}

		_, err := service.RegisterReferral(ctx, referee.ID, unknown)
		assert.Equal(t, domain.ReasonInvalidCode, domain.GetReason(err))
	})

	t.Run("Error - Self referral", func(t *testing.T) {
		_, err := service.RegisterReferral(ctx, referrer.ID, referrer.ReferralCode)
		assert.True(t, domain.IsValidation(err))
		assert.Equal(t, domain.ReasonSelfReferral, domain.GetReason(err))
	})

	t.Run("Error - Unknown referee", func(t *testing.T) {
		_, err := service.RegisterReferral(ctx, "ghost", referrer.ReferralCode)
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("Success - Code is case insensitive", func(t *testing.T) {
		edge, err := service.RegisterReferral(ctx, referee.ID, "  "+strings.ToLower(referrer.ReferralCode))
		require.NoError(t, err)

		assert.Equal(t, referee.ID, edge.RefereeID)
		assert.Equal(t, referrer.ID, edge.ReferrerID)

		stored, err := service.GetUser(ctx, referee.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReferrerID)
		assert.Equal(t, referrer.ID, *stored.ReferrerID)
		assert.NotNil(t, stored.ReferredAt)
	})

	t.Run("Error - Edge is write once", func(t *testing.T) {
		other, err := service.CreateUser(ctx, "other", time.Now())
		require.NoError(t, err)

		_, err = service.RegisterReferral(ctx, referee.ID, other.ReferralCode)
		assert.True(t, domain.IsConflict(err))
		assert.Equal(t, domain.ReasonAlreadyReferred, domain.GetReason(err))

		stored, err := service.GetUser(ctx, referee.ID)
		require.NoError(t, err)
		assert.Equal(t, referrer.ID, *stored.ReferrerID)
	})
}

func TestRegisterReferral_RejectsCycles(t *testing.T) {
	service, db := setupTestService(t)
	ctx := context.Background()

	// root -> a -> b -> c
	chain := testutil.Chain(t, db, 4)
	root, c := chain[0], chain[3]

	cUser, err := service.GetUser(ctx, c)
	require.NoError(t, err)

	_, err = service.RegisterReferral(ctx, root, cUser.ReferralCode)
	require.Error(t, err)
	assert.Equal(t, domain.ReasonReferralCycle, domain.GetReason(err))

	rootUser, err := service.GetUser(ctx, root)
	require.NoError(t, err)
	assert.Nil(t, rootUser.ReferrerID)
}

func TestRegisterReferral_ConcurrentRegistrationsSingleWinner(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	referee, err := service.CreateUser(ctx, "contested", time.Now())
	require.NoError(t, err)

	const n = 8
	codes := make([]string, n)
	for i := range codes {
		u, err := service.CreateUser(ctx, fmt.Sprintf("candidate-%d", i), time.Now())
		require.NoError(t, err)
		codes[i] = u.ReferralCode
	}

	errs := make(chan error, n)
	for _, code := range codes {
		go func(code string) {
			_, err := service.RegisterReferral(ctx, referee.ID, code)
			errs <- err
		}(code)
	}

	wins := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			assert.Equal(t, domain.ReasonAlreadyReferred, domain.GetReason(err))
		}
	}
	assert.Equal(t, 1, wins)
}

func TestAncestorChain(t *testing.T) {
	service, db := setupTestService(t)
	ctx := context.Background()

	chain := testutil.Chain(t, db, 5) // u0 -> u1 -> u2 -> u3 -> u4

	t.Run("Success - Bounded to three levels, nearest first", func(t *testing.T) {
		ancestors, err := service.AncestorChain(ctx, chain[4])
		require.NoError(t, err)

		assert.Equal(t, []models.Ancestor{
			{UserID: chain[3], Level: 1},
			{UserID: chain[2], Level: 2},
			{UserID: chain[1], Level: 3},
		}, ancestors)
	})

	t.Run("Success - Shallow chain", func(t *testing.T) {
		ancestors, err := service.AncestorChain(ctx, chain[1])
		require.NoError(t, err)

		assert.Equal(t, []models.Ancestor{{UserID: chain[0], Level: 1}}, ancestors)
	})

	t.Run("Success - Root and unknown users have no ancestors", func(t *testing.T) {
		ancestors, err := service.AncestorChain(ctx, chain[0])
		require.NoError(t, err)
		assert.Empty(t, ancestors)

		ancestors, err = service.AncestorChain(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, ancestors)
	})
}

func TestDescendantLevels(t *testing.T) {
	service, db := setupTestService(t)
	ctx := context.Background()

	net := testutil.GenerateNetwork(t, db, testutil.NetworkConfig{Depth: 4, Fanout: 3, Seed: 7})

	t.Run("Success - Counts match generated levels", func(t *testing.T) {
		var total int64
		for level := 1; level <= MaxDepth; level++ {
			n, err := service.CountLevel(ctx, net.Root, level)
			require.NoError(t, err)
			assert.Equal(t, int64(len(net.ByLevel[level])), n, "level %d", level)
			total += n
		}

		size, err := service.NetworkSize(ctx, net.Root)
		require.NoError(t, err)
		assert.Equal(t, total, size)

		direct, err := service.DirectReferrals(ctx, net.Root)
		require.NoError(t, err)
		assert.Equal(t, int64(len(net.ByLevel[1])), direct)
	})

	t.Run("Success - Pages cover a level exactly once", func(t *testing.T) {
		want := net.ByLevel[2]
		seen := map[string]bool{}
		token := ""
		for {
			page, next, err := service.DescendantLevel(ctx, net.Root, 2, 2, token)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page), 2)
			for _, u := range page {
				assert.False(t, seen[u.ID], "duplicate %s", u.ID)
				seen[u.ID] = true
			}
			if next == "" {
				break
			}
			token = next
		}

		assert.Len(t, seen, len(want))
		for _, id := range want {
			assert.True(t, seen[id], "missing %s", id)
		}
	})

	t.Run("Error - Level out of range", func(t *testing.T) {
		_, _, err := service.DescendantLevel(ctx, net.Root, 4, 10, "")
		assert.True(t, domain.IsValidation(err))

		_, err = service.CountLevel(ctx, net.Root, 0)
		assert.True(t, domain.IsValidation(err))
	})
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, clampPageSize(0))
	assert.Equal(t, DefaultPageSize, clampPageSize(-3))
	assert.Equal(t, 10, clampPageSize(10))
	assert.Equal(t, MaxPageSize, clampPageSize(10_000))
}
