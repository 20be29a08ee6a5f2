package errors

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	// Log the actual error for debugging
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// DatabaseError returns a generic database error without exposing internal details
func DatabaseError(c echo.Context, err error) error {
	log.Printf("[DATABASE ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: "A database error occurred. Please try again later.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context, reason string) error {
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// ForbiddenError returns a generic forbidden error
func ForbiddenError(c echo.Context, reason string) error {
	return c.JSON(http.StatusForbidden, models.ErrorResponse{
		Error:   "forbidden",
		Message: "You do not have permission to access this resource.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context, resource string) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}

// ConflictError returns a generic conflict error
func ConflictError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message, // Message is safe to expose (e.g., "User already referred")
	})
}

// ReferralRejected returns the reason code the UI uses to explain a rejected referral
func ReferralRejected(c echo.Context, reason, message string) error {
	status := http.StatusBadRequest
	if reason == domain.ReasonAlreadyReferred {
		status = http.StatusConflict
	}
	return c.JSON(status, models.ErrorResponse{
		Error:   "referral_rejected",
		Reason:  reason,
		Message: message,
	})
}

// InsufficientBalance returns a 409 carrying the current available balance
func InsufficientBalance(c echo.Context, available int64) error {
	return c.JSON(http.StatusConflict, models.InsufficientBalanceResponse{
		Error:     "insufficient_balance",
		Message:   "Not enough available points for this redemption.",
		Available: available,
	})
}

// FromDomain maps a service error to its HTTP response
func FromDomain(c echo.Context, err error) error {
	de, ok := domain.AsDomainError(err)
	if !ok {
		return InternalError(c, err)
	}

	switch de.Code {
	case domain.ErrCodeInsufficientBalance:
		return InsufficientBalance(c, de.Available)
	case domain.ErrCodeValidation, domain.ErrCodeConflict:
		if de.Reason != "" {
			return ReferralRejected(c, de.Reason, de.Message)
		}
		if de.Code == domain.ErrCodeConflict {
			return ConflictError(c, de.Message)
		}
		return ValidationError(c, err)
	case domain.ErrCodeNotFound:
		return NotFoundError(c, de.Message)
	case domain.ErrCodeStateConflict:
		return ConflictError(c, de.Message)
	case domain.ErrCodeUnauthorized:
		return UnauthorizedError(c, de.Message)
	default:
		return InternalError(c, err)
	}
}
