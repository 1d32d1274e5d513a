package types

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of a rejected command
type ErrorKind string

const (
	ErrorKindUnauthorized          ErrorKind = "unauthorized"
	ErrorKindInvalidState          ErrorKind = "invalid_state"
	ErrorKindNotFound              ErrorKind = "not_found"
	ErrorKindGrantExpiredOrRevoked ErrorKind = "grant_expired_or_revoked"
	ErrorKindInsufficientFunds     ErrorKind = "insufficient_funds"
	ErrorKindAlreadyFinalized      ErrorKind = "already_finalized"
	ErrorKindPolicyViolation       ErrorKind = "policy_violation"
	// ErrorKindUnavailable is the only fatal kind: the ledger could not be reached.
	ErrorKindUnavailable ErrorKind = "unavailable"
)

// Error represents a structured, inspectable rejection returned by the engines
type Error struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. Sentinels carry no
// code, so errors.Is(err, ErrNotFound) matches every not-found rejection.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithDetail attaches a detail field and returns the error for chaining
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons
var (
	ErrUnauthorized          = &Error{Kind: ErrorKindUnauthorized}
	ErrInvalidState          = &Error{Kind: ErrorKindInvalidState}
	ErrNotFound              = &Error{Kind: ErrorKindNotFound}
	ErrGrantExpiredOrRevoked = &Error{Kind: ErrorKindGrantExpiredOrRevoked}
	ErrInsufficientFunds     = &Error{Kind: ErrorKindInsufficientFunds}
	ErrAlreadyFinalized      = &Error{Kind: ErrorKindAlreadyFinalized}
	ErrPolicyViolation       = &Error{Kind: ErrorKindPolicyViolation}
	ErrUnavailable           = &Error{Kind: ErrorKindUnavailable}
)

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(code, message string) *Error {
	return &Error{Kind: ErrorKindUnauthorized, Code: code, Message: message}
}

// NewInvalidStateError creates a new invalid state error
func NewInvalidStateError(code, message string) *Error {
	return &Error{Kind: ErrorKindInvalidState, Code: code, Message: message}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: ErrorKindNotFound, Code: code, Message: message}
}

// NewGrantExpiredOrRevokedError creates a new grant expired or revoked error
func NewGrantExpiredOrRevokedError(code, message string) *Error {
	return &Error{Kind: ErrorKindGrantExpiredOrRevoked, Code: code, Message: message}
}

// NewInsufficientFundsError creates a new insufficient funds error
func NewInsufficientFundsError(code, message string) *Error {
	return &Error{Kind: ErrorKindInsufficientFunds, Code: code, Message: message}
}

// NewAlreadyFinalizedError creates a new already finalized error
func NewAlreadyFinalizedError(code, message string) *Error {
	return &Error{Kind: ErrorKindAlreadyFinalized, Code: code, Message: message}
}

// NewPolicyViolationError creates a new policy violation error
func NewPolicyViolationError(code, message string) *Error {
	return &Error{Kind: ErrorKindPolicyViolation, Code: code, Message: message}
}

// NewUnavailableError wraps a storage failure
func NewUnavailableError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindUnavailable, Code: ErrCodeLedgerUnavailable, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not a domain error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the machine-readable code of err, or "" when err is not a domain error
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeNotParticipant    = "NOT_CONSULTATION_PARTICIPANT"
	ErrCodeNotRecordOwner    = "NOT_RECORD_OWNER"
	ErrCodeNotVerifier       = "NOT_PLATFORM_VERIFIER"
	ErrCodeNotArbiter        = "NOT_ARBITER"
	ErrCodeNotEmergency      = "NOT_EMERGENCY_CONTACT"
	ErrCodeNoAccess          = "NO_ACCESS"
	ErrCodeLedgerUnavailable = "LEDGER_UNAVAILABLE"

	ErrCodeConsultationNotFound = "CONSULTATION_NOT_FOUND"
	ErrCodeDoctorNotFound       = "DOCTOR_NOT_FOUND"
	ErrCodePatientNotFound      = "PATIENT_NOT_FOUND"
	ErrCodeRecordNotFound       = "RECORD_NOT_FOUND"
	ErrCodeGrantNotFound        = "GRANT_NOT_FOUND"

	ErrCodeInvalidStatus        = "INVALID_STATUS"
	ErrCodeTooEarlyToStart      = "TOO_EARLY_TO_START"
	ErrCodeTooEarlyForNoShow    = "TOO_EARLY_FOR_NO_SHOW"
	ErrCodeDisputeWindowOpen    = "DISPUTE_WINDOW_OPEN"
	ErrCodeDisputeWindowExpired = "DISPUTE_WINDOW_EXPIRED"
	ErrCodeAlreadyFinalized     = "CONSULTATION_FINALIZED"

	ErrCodeGrantRevoked = "GRANT_REVOKED"
	ErrCodeGrantExpired = "GRANT_EXPIRED"

	ErrCodeZeroPayment       = "ZERO_PAYMENT"
	ErrCodeEscrowShortfall   = "ESCROW_SHORTFALL"
	ErrCodeFeeOutOfBounds    = "FEE_OUT_OF_BOUNDS"
	ErrCodeBelowDoctorFee    = "AMOUNT_BELOW_DOCTOR_FEE"
	ErrCodeDoctorNotVerified = "DOCTOR_NOT_VERIFIED"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeScheduledInPast   = "SCHEDULED_IN_PAST"
	ErrCodeSelfDealing       = "SELF_DEALING"

	ErrCodeDoctorExists      = "DOCTOR_ALREADY_REGISTERED"
	ErrCodePatientExists     = "PATIENT_ALREADY_REGISTERED"
	ErrCodeRecordExists      = "RECORD_ALREADY_REGISTERED"
	ErrCodeReservedLevel     = "ACCESS_LEVEL_RESERVED"
	ErrCodeExpiryInPast      = "EXPIRY_IN_PAST"
	ErrCodeContactListFull   = "EMERGENCY_CONTACT_LIST_FULL"
	ErrCodeEmptyBulkRequest  = "EMPTY_BULK_REQUEST"
	ErrCodeUnknownResolution = "UNKNOWN_RESOLUTION"
	ErrCodeTooManySlots      = "TOO_MANY_SLOTS"
	ErrCodeInvalidTimeSlot   = "INVALID_TIME_SLOT"
	ErrCodeSlotTaken         = "SLOT_ALREADY_BOOKED"
	ErrCodeInvalidRating     = "INVALID_RATING"
	ErrCodeAlreadyRated      = "CONSULTATION_ALREADY_RATED"
	ErrCodeZeroFee           = "ZERO_CONSULTATION_FEE"
)
