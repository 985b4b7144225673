package escrow

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable class of a payment error.
// Clients are automated agents and branch on these values.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed payloads and out-of-shape input.
	ErrCodeValidation ErrorCode = "validation_failed"
	// ErrCodeAuthentication marks bad signatures and expired or reused nonces.
	ErrCodeAuthentication ErrorCode = "authentication_failed"
	// ErrCodeStateConflict marks rejections by the ledger state machine.
	// The Reason field carries the specific conflict.
	ErrCodeStateConflict ErrorCode = "state_conflict"
	// ErrCodeSettlementFailed marks on-chain settle/void failures. The
	// ledger state has been rolled back; the operation is safe to retry.
	ErrCodeSettlementFailed ErrorCode = "settlement_failed"
	// ErrCodeNotFound marks lookups of unknown sessions or tokens.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeRateLimited marks requests rejected by the rate gate.
	ErrCodeRateLimited ErrorCode = "rate_limited"
)

// Specific state-conflict and authentication reasons.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonSessionNotActive    = "session_not_active"
	ReasonRefundWindowClosed  = "refund_window_closed"
	ReasonNothingToReclaim    = "nothing_to_reclaim"
	ReasonDepositUnconfirmed  = "deposit_unconfirmed"
	ReasonDepositOutOfBounds  = "deposit_out_of_bounds"
	ReasonUnsupportedNetwork  = "unsupported_network"
	ReasonNonceAlreadyUsed    = "nonce_already_used"
	ReasonNonceExpired        = "nonce_expired"
	ReasonBadSignature        = "bad_signature"
	ReasonBadSessionToken     = "bad_session_token"
	ReasonBadIdentityToken    = "bad_identity_token"
	ReasonWalletNotAuthorized = "wallet_not_authorized"
)

// PaymentError is the error type surfaced across the ledger boundary.
type PaymentError struct {
	Code    ErrorCode              `json:"code"`
	Reason  string                 `json:"reason,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a PaymentError with the same code, so that
// errors.Is(err, &PaymentError{Code: ErrCodeStateConflict}) matches any
// state conflict regardless of reason.
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if !errors.As(target, &pe) {
		return false
	}
	if pe.Code != e.Code {
		return false
	}
	return pe.Reason == "" || pe.Reason == e.Reason
}

// NewValidationError creates a validation error
func NewValidationError(format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuthenticationError creates an authentication error with a specific reason
func NewAuthenticationError(reason, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: ErrCodeAuthentication, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NewStateConflict creates a state conflict error with a specific reason
func NewStateConflict(reason, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: ErrCodeStateConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NewSettlementFailed wraps an external settle/void failure
func NewSettlementFailed(op string, cause error) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeSettlementFailed,
		Message: fmt.Sprintf("%s failed: %v", op, cause),
		Details: map[string]interface{}{"operation": op},
	}
}

// NewNotFound creates a not-found error
func NewNotFound(kind, id string) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]interface{}{"kind": kind, "id": id},
	}
}

// CodeOf extracts the error code from err, or empty if err is not a PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ReasonOf extracts the specific reason from err, or empty.
func ReasonOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
