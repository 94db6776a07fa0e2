package provider

import (
	"errors"
	"fmt"
)

// Provider response codes. Every response carries {code, msg, data}; code 0
// is success and a 2xx response with a non-zero code is a logical failure.
const (
	CodeOK                     = 0
	CodeBadRequest             = 40000
	CodeMalformedRequest       = 40004
	CodeResourceNotFound       = 40005
	CodeRateLimited            = 40007
	CodeBalanceInsufficient    = 41001
	CodeEnvNotFound            = 42001
	CodeEnvNotRunning          = 42002
	CodeInstallInProgress      = 42003
	CodeHigherVersionInstalled = 42004
	CodeAppNotInstalled        = 42005
	CodeAppNotFound            = 42006
)

// APIError is a logical failure reported by the provider: the HTTP exchange
// succeeded but the response code was non-zero.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Msg)
}

// TransportError is a failed HTTP exchange: network error, timeout, or a
// non-2xx status before the envelope could be read.
type TransportError struct {
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider transport: %v", e.Err)
	}
	return fmt.Sprintf("provider transport: HTTP %d", e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorCode extracts the provider code from an error chain.
// Returns -1 when the error is not an APIError.
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return -1
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRateLimited reports whether the provider rejected the call with 40007.
func IsRateLimited(err error) bool {
	return ErrorCode(err) == CodeRateLimited
}

// IsPhoneNotRunning reports whether a call failed because the target
// environment is not running (42002). The executor recovers from this by
// restarting the environment instead of spending a retry.
func IsPhoneNotRunning(err error) bool {
	return ErrorCode(err) == CodeEnvNotRunning
}

// IsHigherVersionInstalled reports code 42004, which install handlers treat
// as success.
func IsHigherVersionInstalled(err error) bool {
	return ErrorCode(err) == CodeHigherVersionInstalled
}

// IsPermanent reports provider codes that no amount of retrying will fix.
func IsPermanent(err error) bool {
	switch ErrorCode(err) {
	case CodeMalformedRequest, CodeResourceNotFound, CodeBalanceInsufficient:
		return true
	}
	return false
}
