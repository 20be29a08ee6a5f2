package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Reason  string
	Message string
	Err     error

	// Available is set on insufficient balance errors
	Available int64
}

func (e *DomainError) Error() string {
	code := e.Code
	if e.Reason != "" {
		code = e.Code + "/" + e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeStateConflict       = "STATE_CONFLICT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Referral rejection reasons, returned to the UI so it can explain the failure
const (
	ReasonInvalidCode     = "INVALID_CODE"
	ReasonSelfReferral    = "SELF_REFERRAL"
	ReasonReferralCycle   = "REFERRAL_CYCLE"
	ReasonAlreadyReferred = "ALREADY_REFERRED"
)

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

// NewReferralRejectedError creates a validation or conflict error carrying a reason code
func NewReferralRejectedError(reason, msg string) error {
	code := ErrCodeValidation
	if reason == ReasonAlreadyReferred {
		code = ErrCodeConflict
	}
	return &DomainError{
		Code:    code,
		Reason:  reason,
		Message: msg,
	}
}

// NewInsufficientBalanceError creates an insufficient balance error with the current available amount
func NewInsufficientBalanceError(requested, available int64) error {
	return &DomainError{
		Code:      ErrCodeInsufficientBalance,
		Message:   fmt.Sprintf("cannot redeem %d points, %d available", requested, available),
		Available: available,
	}
}

// NewStateConflictError creates an error for a transition out of a terminal state
func NewStateConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeStateConflict,
		Message: msg,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError() error {
	return &DomainError{
		Code:    ErrCodeUnauthorized,
		Message: "Authentication required",
	}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// Helper functions to check error types

// AsDomainError extracts a DomainError from an error chain
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	de, ok := AsDomainError(err)
	return ok && de.Code == code
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsInsufficientBalance checks if the error is an insufficient balance error
func IsInsufficientBalance(err error) bool {
	return hasCode(err, ErrCodeInsufficientBalance)
}

// IsStateConflict checks if the error is a state conflict error
func IsStateConflict(err error) bool {
	return hasCode(err, ErrCodeStateConflict)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return hasCode(err, ErrCodeInternal)
}

// IsPermanent reports whether retrying the same operation can never succeed
func IsPermanent(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err)
}

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	if de, ok := AsDomainError(err); ok {
		return de.Code
	}
	return ErrCodeInternal
}

// GetReason extracts the reason code from a domain error
func GetReason(err error) string {
	if de, ok := AsDomainError(err); ok {
		return de.Reason
	}
	return ""
}
