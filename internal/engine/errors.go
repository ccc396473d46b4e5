package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/receipts/internal/backend"
	"github.com/roach88/receipts/internal/billing"
)

// PurchaseError is the error delivered to engine handlers.
type PurchaseError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Underlying is the collaborator error that caused this one, if any.
	Underlying error

	// UserCancelled is set when the user backed out of the purchase flow.
	UserCancelled bool
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	ErrCodeStoreProblem               ErrorCode = "STORE_PROBLEM"
	ErrCodeBackendProblem             ErrorCode = "BACKEND_PROBLEM"
	ErrCodeInvalidCredentials         ErrorCode = "INVALID_CREDENTIALS"
	ErrCodePurchaseInvalid            ErrorCode = "PURCHASE_INVALID"
	ErrCodeOperationAlreadyInProgress ErrorCode = "OPERATION_ALREADY_IN_PROGRESS"
	ErrCodeUnexpectedBackendResponse  ErrorCode = "UNEXPECTED_BACKEND_RESPONSE"
	ErrCodePurchaseCancelled          ErrorCode = "PURCHASE_CANCELLED"
	ErrCodeProductAlreadyPurchased    ErrorCode = "PRODUCT_ALREADY_PURCHASED"
	ErrCodeInvalidArgument            ErrorCode = "INVALID_ARGUMENT"
	ErrCodeEngineClosed               ErrorCode = "ENGINE_CLOSED"
)

// Error implements the error interface.
func (e *PurchaseError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PurchaseError) Unwrap() error {
	return e.Underlying
}

// NewPurchaseError creates a PurchaseError.
func NewPurchaseError(code ErrorCode, message string, underlying error) *PurchaseError {
	return &PurchaseError{Code: code, Message: message, Underlying: underlying}
}

// CodeOf returns the code of a *PurchaseError in err's chain, or "" if
// there is none.
func CodeOf(err error) ErrorCode {
	var pe *PurchaseError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsUserCancelled returns true if err reports a user-cancelled purchase.
func IsUserCancelled(err error) bool {
	var pe *PurchaseError
	if errors.As(err, &pe) {
		return pe.UserCancelled
	}
	return false
}

// IsAlreadyInProgress returns true if err is a duplicate-purchase rejection.
func IsAlreadyInProgress(err error) bool {
	return CodeOf(err) == ErrCodeOperationAlreadyInProgress
}

// fromBackend maps a backend failure onto a PurchaseError.
func fromBackend(err error) *PurchaseError {
	var code ErrorCode
	switch backend.KindOf(err) {
	case backend.KindInvalidCredentials:
		code = ErrCodeInvalidCredentials
	case backend.KindPurchaseInvalid:
		code = ErrCodePurchaseInvalid
	case backend.KindUnexpectedResponse:
		code = ErrCodeUnexpectedBackendResponse
	default:
		code = ErrCodeBackendProblem
	}
	return NewPurchaseError(code, "backend request failed", err)
}

// fromBillingFailure maps a failed purchase flow onto a PurchaseError.
func fromBillingFailure(code billing.ResponseCode, message string) *PurchaseError {
	underlying := billing.NewError(code, message)
	switch code {
	case billing.CodeUserCanceled:
		pe := NewPurchaseError(ErrCodePurchaseCancelled, "purchase cancelled by user", underlying)
		pe.UserCancelled = true
		return pe
	case billing.CodeItemAlreadyOwned:
		return NewPurchaseError(ErrCodeProductAlreadyPurchased, "product already owned", underlying)
	default:
		return NewPurchaseError(ErrCodeStoreProblem, "purchase flow failed", underlying)
	}
}

// fromBillingError maps an error returned by a billing store call.
func fromBillingError(op string, err error) *PurchaseError {
	if code, ok := billing.CodeOf(err); ok {
		return fromBillingFailure(code, op)
	}
	return NewPurchaseError(ErrCodeStoreProblem, op, err)
}

var errEngineClosed = NewPurchaseError(ErrCodeEngineClosed, "engine is closed", nil)
