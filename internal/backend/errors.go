package backend

import (
	"errors"
	"fmt"

	"github.com/roach88/receipts/internal/ir"
)

// ErrorKind categorizes backend failures.
type ErrorKind string

const (
	// KindBackendProblem is a transient failure: transport error, timeout,
	// 5xx, or an unrecognized 4xx.
	KindBackendProblem ErrorKind = "BACKEND_PROBLEM"

	// KindInvalidCredentials means the receipt belongs to other credentials.
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"

	// KindPurchaseInvalid means the backend rejected the receipt itself.
	KindPurchaseInvalid ErrorKind = "PURCHASE_INVALID"

	// KindUnexpectedResponse means the backend answered with a body that
	// could not be understood.
	KindUnexpectedResponse ErrorKind = "UNEXPECTED_BACKEND_RESPONSE"
)

// Backend error codes carried in 4xx bodies.
const (
	codeInvalidCredentials     = 7225
	codeInvalidAppUserID       = 7226
	codeReceiptInvalid         = 7101
	codeReceiptAlreadyInUse    = 7102
	codeReceiptProductMismatch = 7103
)

// Error is a failed backend call.
type Error struct {
	Kind ErrorKind

	// Status is the HTTP status, 0 when no response arrived.
	Status int

	// Code is the backend error code from the body, 0 when absent.
	Code int

	Message string

	// WasReceived reports whether the backend durably processed the request
	// before failing.
	WasReceived bool

	AttributeErrors []ir.AttributeError

	// Err is the underlying transport or decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != 0:
		return fmt.Sprintf("%s: %s (status=%d, code=%d)", e.Kind, e.Message, e.Status, e.Code)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.Status)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// WasReceived reports whether err says the backend received the request.
func WasReceived(err error) bool {
	be, ok := AsError(err)
	return ok && be.WasReceived
}

// KindOf returns the kind of err, or KindBackendProblem for foreign errors.
func KindOf(err error) ErrorKind {
	if be, ok := AsError(err); ok {
		return be.Kind
	}
	return KindBackendProblem
}

// errorBody is the JSON shape of a backend error response.
type errorBody struct {
	Code            int                 `json:"code"`
	Message         string              `json:"message"`
	AttributeErrors []ir.AttributeError `json:"attribute_errors"`
}

// transportError wraps a failure to get any response.
func transportError(op string, err error) *Error {
	return &Error{
		Kind:    KindBackendProblem,
		Message: fmt.Sprintf("%s: request failed", op),
		Err:     err,
	}
}

// unexpectedResponse wraps a 2xx whose body could not be decoded.
func unexpectedResponse(op string, status int, err error) *Error {
	return &Error{
		Kind:        KindUnexpectedResponse,
		Status:      status,
		Message:     fmt.Sprintf("%s: malformed response", op),
		WasReceived: true,
		Err:         err,
	}
}

// classifyStatus builds the error for a non-2xx response.
func classifyStatus(op string, status int, body []byte) *Error {
	if status >= 500 {
		return &Error{
			Kind:    KindBackendProblem,
			Status:  status,
			Message: fmt.Sprintf("%s: server error", op),
		}
	}

	e := &Error{
		Kind:        KindBackendProblem,
		Status:      status,
		Message:     fmt.Sprintf("%s: request rejected", op),
		WasReceived: true,
	}
	var eb errorBody
	if err := decodeJSON(body, &eb); err != nil {
		e.Kind = KindUnexpectedResponse
		e.Err = err
		return e
	}
	e.Code = eb.Code
	e.AttributeErrors = eb.AttributeErrors
	if eb.Message != "" {
		e.Message = eb.Message
	}
	switch eb.Code {
	case codeInvalidCredentials, codeInvalidAppUserID:
		e.Kind = KindInvalidCredentials
	case codeReceiptInvalid, codeReceiptAlreadyInUse, codeReceiptProductMismatch:
		e.Kind = KindPurchaseInvalid
	}
	return e
}
