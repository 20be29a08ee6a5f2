package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/network"
	"github.com/jordanlanch/rewardsledger/pkg/referral"
	"github.com/jordanlanch/rewardsledger/pkg/rewards"
	"github.com/jordanlanch/rewardsledger/pkg/testutil"
)

type rewardsFixture struct {
	handler   *RewardsHandler
	ledger    *ledger.Ledger
	referrals *referral.Service
}

func setupRewardsHandler(t *testing.T) *rewardsFixture {
	db := testutil.NewDB(t)
	refs := referral.NewService(db)
	l := ledger.New(db, nil)
	svc := rewards.NewService(refs, l, network.NewBuilder(db, refs, l, 0))
	return &rewardsFixture{handler: NewRewardsHandler(svc), ledger: l, referrals: refs}
}

// newRequest builds an echo context for userID; an empty userID leaves the request unauthenticated
func newRequest(method, target, body, userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
	}
	return c, rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (f *rewardsFixture) fund(t *testing.T, userID string, points int64) {
	t.Helper()
	ctx := context.Background()
	id, _, err := f.ledger.Credit(ctx, ledger.CreditRequest{
		UserID: userID, BookingID: "bk-fund-" + userID, Level: 1, Points: points, UnlockDueAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = f.ledger.Unlock(ctx, id)
	require.NoError(t, err)
}

func TestGetPointsSummaryHandler(t *testing.T) {
	f := setupRewardsHandler(t)
	ctx := context.Background()

	user, err := f.referrals.CreateUser(ctx, "usr_summary", time.Now())
	require.NoError(t, err)
	f.fund(t, user.ID, 120)

	t.Run("Success", func(t *testing.T) {
		c, rec := newRequest(http.MethodGet, "/api/v1/rewards/summary", "", user.ID)
		require.NoError(t, f.handler.GetPointsSummary(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var summary models.PointsSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
		assert.Equal(t, int64(120), summary.Available)
		assert.Equal(t, user.ReferralCode, summary.ReferralCode)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		c, rec := newRequest(http.MethodGet, "/api/v1/rewards/summary", "", "")
		require.NoError(t, f.handler.GetPointsSummary(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Unknown user", func(t *testing.T) {
		c, rec := newRequest(http.MethodGet, "/api/v1/rewards/summary", "", "usr_ghost")
		require.NoError(t, f.handler.GetPointsSummary(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRedeemPointsHandler(t *testing.T) {
	f := setupRewardsHandler(t)
	f.fund(t, "usr_redeem", 100)

	t.Run("Success", func(t *testing.T) {
		c, rec := newRequest(http.MethodPost, "/api/v1/rewards/redeem", `{"amount":60}`, "usr_redeem")
		require.NoError(t, f.handler.RedeemPoints(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp models.RedeemResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, int64(40), resp.Available)
	})

	t.Run("Insufficient balance returns 409 with available", func(t *testing.T) {
		c, rec := newRequest(http.MethodPost, "/api/v1/rewards/redeem", `{"amount":41}`, "usr_redeem")
		require.NoError(t, f.handler.RedeemPoints(c))
		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp models.InsufficientBalanceResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "insufficient_balance", resp.Error)
		assert.Equal(t, int64(40), resp.Available)
	})

	invalid := []struct {
		name string
		body string
	}{
		{"Zero amount", `{"amount":0}`},
		{"Negative amount", `{"amount":-5}`},
		{"Malformed body", `{"amount":`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newRequest(http.MethodPost, "/api/v1/rewards/redeem", tt.body, "usr_redeem")
			require.NoError(t, f.handler.RedeemPoints(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterReferralHandler(t *testing.T) {
	f := setupRewardsHandler(t)
	ctx := context.Background()

	owner, err := f.referrals.CreateUser(ctx, "usr_owner", time.Now())
	require.NoError(t, err)
	_, err = f.referrals.CreateUser(ctx, "usr_friend", time.Now())
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		body := `{"referral_code":"` + strings.ToLower(owner.ReferralCode) + `"}`
		c, rec := newRequest(http.MethodPost, "/api/v1/referrals/register", body, "usr_friend")
		require.NoError(t, f.handler.RegisterReferral(c))
		assert.Equal(t, http.StatusCreated, rec.Code)

		var edge models.ReferralEdge
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &edge))
		assert.Equal(t, "usr_owner", edge.ReferrerID)
		assert.Equal(t, "usr_friend", edge.RefereeID)
	})

	tests := []struct {
		name       string
		userID     string
		code       string
		wantStatus int
		wantReason string
	}{
		{"Already referred", "usr_friend", owner.ReferralCode, http.StatusConflict, domain.ReasonAlreadyReferred},
		{"Self referral", "usr_owner", owner.ReferralCode, http.StatusBadRequest, domain.ReasonSelfReferral},
		{"Invalid code", "usr_owner", "NOPE", http.StatusBadRequest, domain.ReasonInvalidCode},
		{"Empty code", "usr_owner", "", http.StatusBadRequest, domain.ReasonInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newRequest(http.MethodPost, "/api/v1/referrals/register", `{"referral_code":"`+tt.code+`"}`, tt.userID)
			require.NoError(t, f.handler.RegisterReferral(c))
			assert.Equal(t, tt.wantStatus, rec.Code)

			resp := decodeError(t, rec)
			assert.Equal(t, "referral_rejected", resp.Error)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestGetNetworkTreeHandler(t *testing.T) {
	f := setupRewardsHandler(t)
	ctx := context.Background()

	root, err := f.referrals.CreateUser(ctx, "usr_root", time.Now())
	require.NoError(t, err)
	for _, id := range []string{"usr_a", "usr_b", "usr_c"} {
		_, err := f.referrals.CreateUser(ctx, id, time.Now())
		require.NoError(t, err)
		_, err = f.referrals.RegisterReferral(ctx, id, root.ReferralCode)
		require.NoError(t, err)
	}

	t.Run("Success - Paged first level", func(t *testing.T) {
		c, rec := newRequest(http.MethodGet, "/api/v1/rewards/network?level=1&page_size=2", "", "usr_root")
		require.NoError(t, f.handler.GetNetworkTree(c))
		require.Equal(t, http.StatusOK, rec.Code)

		var tree models.NetworkTree
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
		assert.Equal(t, int64(3), tree.Total)
		assert.Equal(t, int64(3), tree.ByLevel.Level1.Total)
		assert.Len(t, tree.ByLevel.Level1.Members, 2)
		assert.NotEmpty(t, tree.ByLevel.Level1.NextPageToken)
		for _, m := range tree.ByLevel.Level1.Members {
			assert.Equal(t, models.StatusSignedUp, m.Status)
		}
	})

	t.Run("Invalid level", func(t *testing.T) {
		c, rec := newRequest(http.MethodGet, "/api/v1/rewards/network?level=7", "", "usr_root")
		require.NoError(t, f.handler.GetNetworkTree(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
