// Package status defines the error taxonomy shared by the offer model and
// the federation API. Every failure that can cross a package boundary is
// tagged with a stable code and, where the failure is reportable to a
// remote caller, an HTTP status.
package status

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. Codes are part of the wire protocol and must not change.
const (
	CodeNoAvailableOffer = "NO_AVAILABLE_OFFER"
	CodeOfferHasChanged  = "OFFER_HAS_CHANGED"
	CodeInvalidChain     = "INVALID_CHAIN"
	CodePatchRejected    = "PATCH_REJECTED"
	CodePatchApplyFailed = "PATCH_APPLY_FAILED"
	CodeProducerLocked   = "PRODUCER_LOCKED"
	CodeNotAuthorized    = "NOT_AUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeOfferRejected    = "OFFER_REJECTED"
	CodeInternal         = "INTERNAL"
	CodeStorage          = "STORAGE"
	CodeConfig           = "CONFIG"

	CodeCheckTimelineOverlap     = "INTERNAL_CHECK_FAILED_TIMELINE_OVERLAP"
	CodeCheckMultipleReservation = "INTERNAL_CHECK_FAILED_MULTIPLE_RESERVATIONS"
)

// httpStatusByCode maps codes to the HTTP status reported to remote
// callers. Codes absent from the map report 500.
var httpStatusByCode = map[string]int{
	CodeNoAvailableOffer: http.StatusNotFound,
	CodeOfferHasChanged:  http.StatusConflict,
	CodeInvalidChain:     http.StatusForbidden,
	CodePatchRejected:    http.StatusBadRequest,
	CodePatchApplyFailed: http.StatusBadRequest,
	CodeProducerLocked:   http.StatusLocked,
	CodeNotAuthorized:    http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeBadRequest:       http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeOfferRejected:    http.StatusBadRequest,
}

// Error is a tagged error carrying a stable code, an HTTP status for the
// federation API, optional structured details and an optional cause.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a status error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail attaches a key/value pair and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a status error for code with the given message.
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		HTTPStatus: statusFor(code),
		Message:    message,
	}
}

// Newf creates a status error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a status error wrapping cause.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

func statusFor(code string) int {
	if s, ok := httpStatusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatusOf returns the HTTP status err should be reported with.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return statusFor(e.Code)
	}
	return http.StatusInternalServerError
}

// DetailsOf returns the structured details of err, or nil.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HasCode reports whether err is a status error tagged with code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNoAvailableOffer reports whether err means no listing is visible to
// the requesting organization.
func IsNoAvailableOffer(err error) bool {
	return HasCode(err, CodeNoAvailableOffer)
}

// IsOfferHasChanged reports whether err is the accept-time version
// conflict.
func IsOfferHasChanged(err error) bool {
	return HasCode(err, CodeOfferHasChanged)
}

// IsInvalidChain reports whether err is a reshare chain verification
// failure.
func IsInvalidChain(err error) bool {
	return HasCode(err, CodeInvalidChain)
}

// IsProducerLocked reports whether err means another ingest run holds the
// producer's advisory lock.
func IsProducerLocked(err error) bool {
	return HasCode(err, CodeProducerLocked)
}

// IsNotAuthorized reports whether err is an authentication failure.
func IsNotAuthorized(err error) bool {
	return HasCode(err, CodeNotAuthorized)
}
