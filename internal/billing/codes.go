package billing

import (
	"errors"
	"fmt"
)

// ResponseCode is the result sentinel returned by billing store operations.
type ResponseCode int

const (
	CodeOK ResponseCode = iota
	CodeUserCanceled
	CodeServiceUnavailable
	CodeBillingUnavailable
	CodeItemUnavailable
	CodeDeveloperError
	CodeError
	CodeItemAlreadyOwned
	CodeItemNotOwned
	CodeServiceDisconnected
	CodeFeatureNotSupported
)

var codeNames = map[ResponseCode]string{
	CodeOK:                  "OK",
	CodeUserCanceled:        "USER_CANCELED",
	CodeServiceUnavailable:  "SERVICE_UNAVAILABLE",
	CodeBillingUnavailable:  "BILLING_UNAVAILABLE",
	CodeItemUnavailable:     "ITEM_UNAVAILABLE",
	CodeDeveloperError:      "DEVELOPER_ERROR",
	CodeError:               "ERROR",
	CodeItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	CodeItemNotOwned:        "ITEM_NOT_OWNED",
	CodeServiceDisconnected: "SERVICE_DISCONNECTED",
	CodeFeatureNotSupported: "FEATURE_NOT_SUPPORTED",
}

// String returns the wire name of the code.
func (c ResponseCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// ParseResponseCode converts a wire name back into a ResponseCode.
func ParseResponseCode(s string) (ResponseCode, error) {
	for code, name := range codeNames {
		if name == s {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown billing response code %q", s)
}

// MarshalText encodes the code by name.
func (c ResponseCode) MarshalText() ([]byte, error) {
	if _, ok := codeNames[c]; !ok {
		return nil, fmt.Errorf("unknown billing response code %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a code name.
func (c *ResponseCode) UnmarshalText(b []byte) error {
	code, err := ParseResponseCode(string(b))
	if err != nil {
		return err
	}
	*c = code
	return nil
}

// OK reports whether c is the success sentinel.
func (c ResponseCode) OK() bool {
	return c == CodeOK
}

// Retryable reports whether a finalize call that returned c may succeed if
// repeated.
func (c ResponseCode) Retryable() bool {
	switch c {
	case CodeServiceDisconnected, CodeServiceUnavailable, CodeError:
		return true
	default:
		return false
	}
}

// Error is a non-OK billing store outcome surfaced as a Go error.
type Error struct {
	Code    ResponseCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billing: %s", e.Code)
	}
	return fmt.Sprintf("billing: %s: %s", e.Code, e.Message)
}

// NewError creates an Error for a non-OK response code.
func NewError(code ResponseCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the ResponseCode carried by err.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) (ResponseCode, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Code, true
	}
	return 0, false
}
