package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	apierrors "github.com/jordanlanch/rewardsledger/pkg/api/errors"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/rewards"
)

// RewardsHandler serves the points and referral endpoints of the signed-in user
type RewardsHandler struct {
	service   *rewards.Service
	validator *validator.Validate
}

// NewRewardsHandler creates a new rewards handler
func NewRewardsHandler(service *rewards.Service) *RewardsHandler {
	return &RewardsHandler{
		service:   service,
		validator: validator.New(),
	}
}

func currentUser(c echo.Context) (string, bool) {
	userID, ok := c.Get("user_id").(string)
	return userID, ok && userID != ""
}

// GetPointsSummary godoc
// @Summary Get points summary
// @Description Balances, referral code and network counts of the current user
// @Tags Rewards
// @Produce json
// @Success 200 {object} models.PointsSummary
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/v1/rewards/summary [get]
func (h *RewardsHandler) GetPointsSummary(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	userID, ok := currentUser(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	summary, err := h.service.GetPointsSummary(ctx, userID)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}

// GetNetworkTree godoc
// @Summary Get referral network
// @Description Paged descendants of the current user grouped by level, with status and earnings
// @Tags Rewards
// @Produce json
// @Param level query integer false "Only page this level (1-3)"
// @Param page_size query integer false "Members per level" default(50)
// @Param page_token query string false "Token from the previous page"
// @Success 200 {object} models.NetworkTree
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/v1/rewards/network [get]
func (h *RewardsHandler) GetNetworkTree(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	userID, ok := currentUser(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	var req models.PageRequest
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	tree, err := h.service.GetNetworkTree(ctx, userID, req)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, tree)
}

// RedeemPoints godoc
// @Summary Redeem points
// @Description Redeem available points. Locked points cannot be redeemed.
// @Tags Rewards
// @Accept json
// @Produce json
// @Param request body models.RedeemRequest true "Points to redeem"
// @Success 200 {object} models.RedeemResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.InsufficientBalanceResponse
// @Security BearerAuth
// @Router /api/v1/rewards/redeem [post]
func (h *RewardsHandler) RedeemPoints(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	userID, ok := currentUser(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	var req models.RedeemRequest
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	resp, err := h.service.RedeemPoints(ctx, userID, req.Amount)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// RegisterReferral godoc
// @Summary Register a referral code
// @Description Attach the current user under the owner of the code. A user can be referred once.
// @Tags Referrals
// @Accept json
// @Produce json
// @Param request body models.RegisterReferralRequest true "Referral code"
// @Success 201 {object} models.ReferralEdge
// @Failure 400 {object} models.ErrorResponse "reason: INVALID_CODE, SELF_REFERRAL or REFERRAL_CYCLE"
// @Failure 409 {object} models.ErrorResponse "reason: ALREADY_REFERRED"
// @Security BearerAuth
// @Router /api/v1/referrals/register [post]
func (h *RewardsHandler) RegisterReferral(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	userID, ok := currentUser(c)
	if !ok {
		return apierrors.UnauthorizedError(c, "missing user")
	}

	var req models.RegisterReferralRequest
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	edge, err := h.service.RegisterReferral(ctx, userID, req.ReferralCode)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusCreated, edge)
}
