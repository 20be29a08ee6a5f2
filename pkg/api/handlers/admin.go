package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	apierrors "github.com/jordanlanch/rewardsledger/pkg/api/errors"
	"github.com/jordanlanch/rewardsledger/pkg/jobs"
	"github.com/jordanlanch/rewardsledger/pkg/ledger"
	"github.com/jordanlanch/rewardsledger/pkg/lockmanager"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// JobRunner triggers background jobs on demand
type JobRunner interface {
	RunSweep(ctx context.Context) (*lockmanager.SweepResult, error)
	RunReconcile(ctx context.Context) (*ledger.ReconcileResult, error)
}

// AlertStore lists and acknowledges integrity alerts
type AlertStore interface {
	ListAlerts(ctx context.Context, includeAcknowledged bool, limit int) ([]models.IntegrityAlert, error)
	AcknowledgeAlert(ctx context.Context, id string) (*models.IntegrityAlert, error)
}

// DeadLetterStore lists dead-lettered events
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error)
}

// BalanceAuditor compares a stored balance with its replay
type BalanceAuditor interface {
	Balance(ctx context.Context, userID string) (*models.PointsBalance, error)
	Recompute(ctx context.Context, userID string) (*models.PointsBalance, error)
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	jobs        JobRunner
	alerts      AlertStore
	deadLetters DeadLetterStore
	balances    BalanceAuditor
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(runner JobRunner, alerts AlertStore, deadLetters DeadLetterStore, balances BalanceAuditor) *AdminHandler {
	return &AdminHandler{
		jobs:        runner,
		alerts:      alerts,
		deadLetters: deadLetters,
		balances:    balances,
	}
}

func limitParam(c echo.Context, def, max int) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// RunSweep godoc
// @Summary Run the unlock sweep now
// @Description Unlocks every credit whose grace period elapsed. Requires admin role.
// @Tags Admin
// @Produce json
// @Success 200 {object} lockmanager.SweepResult
// @Failure 409 {object} models.ErrorResponse "Sweep already running"
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/v1/admin/ledger/sweep [post]
func (h *AdminHandler) RunSweep(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Minute)
	defer cancel()

	res, err := h.jobs.RunSweep(ctx)
	if errors.Is(err, jobs.ErrJobBusy) {
		return apierrors.ConflictError(c, "Unlock sweep is already running")
	}
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, res)
}

// RunReconcile godoc
// @Summary Run ledger reconciliation now
// @Description Replays the transaction log of every balance and raises alerts on drift. Requires admin role.
// @Tags Admin
// @Produce json
// @Success 200 {object} ledger.ReconcileResult
// @Failure 409 {object} models.ErrorResponse "Reconciliation already running"
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/v1/admin/ledger/reconcile [post]
func (h *AdminHandler) RunReconcile(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Minute)
	defer cancel()

	res, err := h.jobs.RunReconcile(ctx)
	if errors.Is(err, jobs.ErrJobBusy) {
		return apierrors.ConflictError(c, "Reconciliation is already running")
	}
	if err != nil {
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, res)
}

// ListAlerts godoc
// @Summary List integrity alerts
// @Tags Admin
// @Produce json
// @Param include_acknowledged query boolean false "Include reviewed alerts"
// @Param limit query integer false "Maximum alerts" default(100)
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/admin/ledger/alerts [get]
func (h *AdminHandler) ListAlerts(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	includeAck, _ := strconv.ParseBool(c.QueryParam("include_acknowledged"))
	alerts, err := h.alerts.ListAlerts(ctx, includeAck, limitParam(c, 100, 1000))
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// AcknowledgeAlert godoc
// @Summary Acknowledge an integrity alert
// @Tags Admin
// @Produce json
// @Param id path string true "Alert ID"
// @Success 200 {object} models.IntegrityAlert
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/v1/admin/ledger/alerts/{id}/acknowledge [post]
func (h *AdminHandler) AcknowledgeAlert(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	alert, err := h.alerts.AcknowledgeAlert(ctx, c.Param("id"))
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, alert)
}

// ListDeadLetters godoc
// @Summary List dead-lettered events
// @Tags Admin
// @Produce json
// @Param limit query integer false "Maximum events" default(100)
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/admin/ledger/dead-letters [get]
func (h *AdminHandler) ListDeadLetters(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	rows, err := h.deadLetters.ListDeadLetters(ctx, limitParam(c, 100, 1000))
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":  len(rows),
		"events": rows,
	})
}

// AuditBalance godoc
// @Summary Compare a stored balance with its replay
// @Tags Admin
// @Produce json
// @Param user_id path string true "User ID"
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/admin/ledger/balances/{user_id}/audit [get]
func (h *AdminHandler) AuditBalance(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	userID := c.Param("user_id")
	stored, err := h.balances.Balance(ctx, userID)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}
	replayed, err := h.balances.Recompute(ctx, userID)
	if err != nil {
		return apierrors.FromDomain(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"stored":   stored,
		"replayed": replayed,
		"drift":    !stored.SameBuckets(*replayed),
	})
}
