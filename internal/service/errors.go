package service

import (
	"errors"
	"fmt"

	"applybox/internal/model"
	"applybox/internal/schema"
)

// Code is a stable, client-facing failure identifier
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeCampaignNotFound     Code = "CAMPAIGN_NOT_FOUND"
	CodeCampaignNotAccepting Code = "CAMPAIGN_NOT_ACCEPTING"
	CodeNotAMember           Code = "NOT_A_MEMBER"
	CodeBlocked              Code = "BLOCKED"
	CodeInactive             Code = "INACTIVE"
	CodeAlreadyApplied       Code = "ALREADY_APPLIED"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeIdentityMismatch     Code = "IDENTITY_MISMATCH"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeNotificationFailed   Code = "NOTIFICATION_FAILED"
	CodeDuplicateApplication Code = "DUPLICATE_APPLICATION"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeUnavailable          Code = "UNAVAILABLE"
)

// Error is the only error type the pipeline hands to its callers. Err keeps
// the underlying cause for logging and is never shown to clients.
type Error struct {
	Code        Code
	Message     string
	FieldErrors schema.FieldErrors
	// Status is the campaign status for CAMPAIGN_NOT_ACCEPTING, if known.
	Status model.CampaignStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is; compare by code only.
var (
	ErrInvalidInput         = &Error{Code: CodeInvalidInput}
	ErrRateLimited          = &Error{Code: CodeRateLimited}
	ErrCampaignNotFound     = &Error{Code: CodeCampaignNotFound}
	ErrCampaignNotAccepting = &Error{Code: CodeCampaignNotAccepting}
	ErrNotAMember           = &Error{Code: CodeNotAMember}
	ErrBlocked              = &Error{Code: CodeBlocked}
	ErrInactive             = &Error{Code: CodeInactive}
	ErrAlreadyApplied       = &Error{Code: CodeAlreadyApplied}
	ErrSessionExpired       = &Error{Code: CodeSessionExpired}
	ErrIdentityMismatch     = &Error{Code: CodeIdentityMismatch}
	ErrValidationFailed     = &Error{Code: CodeValidationFailed}
	ErrNotificationFailed   = &Error{Code: CodeNotificationFailed}
	ErrDuplicateApplication = &Error{Code: CodeDuplicateApplication}
	ErrQuotaExceeded        = &Error{Code: CodeQuotaExceeded}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition}
	ErrUnavailable          = &Error{Code: CodeUnavailable}
)

// Default client-facing messages
const (
	msgUnavailable      = "Service temporarily unavailable. Please try again."
	msgNotFound         = "Campaign not found."
	msgNotAccepting     = "This campaign is not accepting applications."
	msgNotAMember       = "No membership record was found for this identity."
	msgBlocked          = "This membership is blocked from applying."
	msgInactive         = "This membership is not active."
	msgAlreadyApplied   = "You have already applied to this campaign."
	msgSessionExpired   = "Your session has expired. Please verify again."
	msgIdentityMismatch = "The session does not match this application."
	msgNotification     = "The confirmation email could not be sent. Your application was not saved; please try again."
	msgDuplicate        = "An application for this identity already exists."
	msgQuota            = "The campaign quota has been reached."
)

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func unavailable(err error) *Error {
	return newError(CodeUnavailable, msgUnavailable, err)
}

// AsError returns err as an *Error, mapping anything else to UNAVAILABLE
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return unavailable(err)
}
