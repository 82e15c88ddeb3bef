package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed gateway error carrying the platform error code and the
// HTTP status it translates to. Components return these; the pipeline maps
// them onto the response envelope in one place.
type Error struct {
	Code    string
	Status  int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status associated with the error.
func (e *Error) HTTPStatus() int { return e.Status }

// Is matches two gateway errors by code so sentinel comparison works.
func (e *Error) Is(target error) bool {
	var ge *Error
	if errors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

// Errf returns a copy of the sentinel with a formatted message.
func Errf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Status: sentinel.Status, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of the sentinel with cause attached for errors.Is/As
// chains and %w formatting.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Code: sentinel.Code, Status: sentinel.Status, Message: sentinel.Message, cause: cause}
}

// Authentication.
var (
	ErrTokenInvalid = &Error{Code: "AUTHN001", Status: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrCSRFMismatch = &Error{Code: "USR005", Status: http.StatusUnauthorized, Message: "missing or mismatched CSRF token"}
)

// Authorization.
var (
	ErrApiForbidden      = &Error{Code: "API007", Status: http.StatusForbidden, Message: "access to this API is not allowed"}
	ErrEndpointForbidden = &Error{Code: "END010", Status: http.StatusForbidden, Message: "access to this endpoint is not allowed"}
	ErrUserForbidden     = &Error{Code: "USR006", Status: http.StatusForbidden, Message: "operation not permitted for this user"}
	ErrGroupForbidden    = &Error{Code: "GRP008", Status: http.StatusForbidden, Message: "operation not permitted for this group"}
	ErrRoleForbidden     = &Error{Code: "ROLE009", Status: http.StatusForbidden, Message: "operation not permitted for this role"}
	ErrSecurityForbidden = &Error{Code: "SEC003", Status: http.StatusForbidden, Message: "operation not permitted"}
)

// Subscription.
var (
	ErrNotSubscribed = &Error{Code: "SUB004", Status: http.StatusForbidden, Message: "user is not subscribed to this API"}
)

// IP policy.
var (
	ErrGlobalIPDenied     = &Error{Code: "SEC010", Status: http.StatusForbidden, Message: "client address is blocked"}
	ErrGlobalIPNotAllowed = &Error{Code: "SEC011", Status: http.StatusForbidden, Message: "client address is not allowed"}
	ErrApiIPDenied        = &Error{Code: "API010", Status: http.StatusForbidden, Message: "client address is blocked for this API"}
	ErrApiIPNotAllowed    = &Error{Code: "API011", Status: http.StatusForbidden, Message: "client address is not allowed for this API"}
)

// Validation.
var (
	ErrValidation = &Error{Code: "GTW011", Status: http.StatusBadRequest, Message: "request body failed validation"}
)

// Not-found.
var (
	ErrApiNotFound      = &Error{Code: "API001", Status: http.StatusNotFound, Message: "API not found"}
	ErrEndpointNotFound = &Error{Code: "END001", Status: http.StatusNotFound, Message: "endpoint not found"}
	ErrUserNotFound     = &Error{Code: "USR004", Status: http.StatusNotFound, Message: "user not found"}
	ErrRoleNotFound     = &Error{Code: "ROLE001", Status: http.StatusNotFound, Message: "role not found"}
	ErrGroupNotFound    = &Error{Code: "GRP001", Status: http.StatusNotFound, Message: "group not found"}
)

// Limits.
var (
	ErrRateLimited      = &Error{Code: "GTW006", Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
	ErrThrottled        = &Error{Code: "GTW007", Status: http.StatusTooManyRequests, Message: "throttle queue limit exceeded"}
	ErrBandwidthLimited = &Error{Code: "GTW008", Status: http.StatusTooManyRequests, Message: "bandwidth limit exceeded"}
	ErrCreditsExhausted = &Error{Code: "CRD005", Status: http.StatusPaymentRequired, Message: "no credits available"}
)

// Upstream and protocol.
var (
	ErrUpstream     = &Error{Code: "GTW002", Status: http.StatusBadGateway, Message: "upstream request failed"}
	ErrCircuitOpen  = &Error{Code: "GTW003", Status: http.StatusServiceUnavailable, Message: "CircuitOpen"}
	ErrTypeMismatch = &Error{Code: "API012", Status: http.StatusBadRequest, Message: "API type does not match request path"}
	ErrGRPCDenied   = &Error{Code: "API013", Status: http.StatusForbidden, Message: "gRPC target is not allowed"}
)

// Catch-all.
var (
	ErrInternal = &Error{Code: "GTW999", Status: http.StatusInternalServerError, Message: "internal gateway error"}
)

// Storage sentinels shared by the store and cache layers.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
