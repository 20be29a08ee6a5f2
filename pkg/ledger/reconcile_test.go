package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

func TestReconciler(t *testing.T) {
	l, db := setupTestLedger(t)
	ctx := context.Background()

	id := credit(t, l, "hank", "bk-1", 1, 100)
	_, err := l.Unlock(ctx, id)
	require.NoError(t, err)
	_, err = l.Redeem(ctx, "hank", 40)
	require.NoError(t, err)
	credit(t, l, "ivy", "bk-1", 2, 40)

	var alerted []models.IntegrityAlert
	r := NewReconciler(db, logger.Nop(), nil, func(_ context.Context, a models.IntegrityAlert) {
		alerted = append(alerted, a)
	})

	t.Run("Success - Consistent ledger raises nothing", func(t *testing.T) {
		res, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Checked)
		assert.Equal(t, 0, res.Drifted)
		assert.Empty(t, alerted)
	})

	t.Run("Success - Drift is reported and left uncorrected", func(t *testing.T) {
		require.NoError(t, db.Model(&models.PointsBalance{}).
			Where("user_id = ?", "hank").
			Update("available", gorm.Expr("available + ?", 5)).Error)

		res, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Drifted)
		require.Len(t, alerted, 1)
		assert.Equal(t, "hank", alerted[0].UserID)
		assert.Equal(t, int64(65), alerted[0].StoredAvailable)
		assert.Equal(t, int64(60), alerted[0].ExpectedAvailable)

		b, err := l.Balance(ctx, "hank")
		require.NoError(t, err)
		assert.Equal(t, int64(65), b.Available)

		alerts, err := r.ListAlerts(ctx, false, 10)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Nil(t, alerts[0].AcknowledgedAt)
	})

	t.Run("Success - Batches cover every balance", func(t *testing.T) {
		r.batch = 1
		res, err := r.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Checked)
	})
}

func TestReconciler_LogWithoutBalanceRow(t *testing.T) {
	l, db := setupTestLedger(t)
	ctx := context.Background()

	id := credit(t, l, "olga", "bk-o", 1, 90)
	_, err := l.Unlock(ctx, id)
	require.NoError(t, err)
	_, err = l.Redeem(ctx, "olga", 30)
	require.NoError(t, err)
	credit(t, l, "pete", "bk-o", 2, 20)

	require.NoError(t, db.Where("user_id = ?", "olga").Delete(&models.PointsBalance{}).Error)

	var alerted []models.IntegrityAlert
	r := NewReconciler(db, logger.Nop(), nil, func(_ context.Context, a models.IntegrityAlert) {
		alerted = append(alerted, a)
	})
	r.batch = 1

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Drifted)

	require.Len(t, alerted, 1)
	assert.Equal(t, "olga", alerted[0].UserID)
	assert.Zero(t, alerted[0].StoredLifetime)
	assert.Equal(t, int64(90), alerted[0].ExpectedLifetime)
	assert.Equal(t, int64(60), alerted[0].ExpectedAvailable)
	assert.Equal(t, int64(30), alerted[0].ExpectedRedeemed)
}

func TestRecompute_MatchesStoredAfterMixedActivity(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	for i, pts := range []int64{10, 20, 30, 40} {
		id := credit(t, l, "jack", "bk-mix-"+string(rune('a'+i)), 1, pts)
		switch i % 3 {
		case 0:
			_, err := l.Unlock(ctx, id)
			require.NoError(t, err)
		case 1:
			_, err := l.Forfeit(ctx, id, "refund")
			require.NoError(t, err)
		}
	}
	_, err := l.Redeem(ctx, "jack", 25)
	require.NoError(t, err)

	replayed, err := l.Recompute(ctx, "jack")
	require.NoError(t, err)
	assert.Equal(t, int64(100), replayed.Lifetime)
	assert.Equal(t, int64(50-25), replayed.Available)
	assert.Equal(t, int64(30), replayed.Locked)
	assert.Equal(t, int64(20), replayed.Forfeited)
	assert.Equal(t, int64(25), replayed.Redeemed)
	assertConserved(t, l, "jack")
}

func TestAcknowledgeAlert(t *testing.T) {
	l, db := setupTestLedger(t)
	ctx := context.Background()

	credit(t, l, "jill", "bk-7", 1, 30)
	require.NoError(t, db.Model(&models.PointsBalance{}).
		Where("user_id = ?", "jill").
		Update("locked", 31).Error)

	r := NewReconciler(db, logger.Nop(), nil, nil)
	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	id := res.Alerts[0].ID

	t.Run("Success - Acknowledged alert leaves the open list", func(t *testing.T) {
		alert, err := r.AcknowledgeAlert(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, alert.AcknowledgedAt)

		open, err := r.ListAlerts(ctx, false, 10)
		require.NoError(t, err)
		assert.Empty(t, open)

		all, err := r.ListAlerts(ctx, true, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Success - Second acknowledgement keeps the first timestamp", func(t *testing.T) {
		first, err := r.AcknowledgeAlert(ctx, id)
		require.NoError(t, err)
		second, err := r.AcknowledgeAlert(ctx, id)
		require.NoError(t, err)
		assert.True(t, first.AcknowledgedAt.Equal(*second.AcknowledgedAt))
	})

	t.Run("Error - Unknown alert", func(t *testing.T) {
		_, err := r.AcknowledgeAlert(ctx, "missing")
		assert.True(t, domain.IsNotFound(err))
	})
}
