// Package nlerr holds the protocol-wide typed error taxonomy: a stable
// error code plus a human message, shared by store, channel, settlement
// and ops so that a handler failure can be classified and relayed to a
// remote peer without leaking internal error text.
package nlerr

import "fmt"

// Code is a stable, wire-safe error code.
type Code string

const (
	// Not-found
	CodeNotFound              Code = "NOT_FOUND"
	CodeManifestNotFound      Code = "MANIFEST_NOT_FOUND"
	CodeAnnouncementNotFound  Code = "ANNOUNCEMENT_NOT_FOUND"
	CodeChannelNotFound       Code = "CHANNEL_NOT_FOUND"
	CodePeerKeyNotFound       Code = "PEER_KEY_NOT_FOUND"
	CodeManifestAlreadyExists Code = "MANIFEST_ALREADY_EXISTS"

	// Access-denied
	CodeAccessDenied Code = "ACCESS_DENIED"

	// Validation
	CodeInvalidHash            Code = "INVALID_HASH"
	CodeInvalidMultiaddr       Code = "INVALID_MULTIADDR"
	CodeInvalidPeerID          Code = "INVALID_PEER_ID"
	CodeContentHashMismatch    Code = "CONTENT_HASH_MISMATCH"
	CodeProvenanceMismatch     Code = "PROVENANCE_MISMATCH"
	CodeNonceTooLow            Code = "NONCE_TOO_LOW"
	CodeSignatureInvalid       Code = "SIGNATURE_INVALID"

	// Economic
	CodeInsufficientPayment Code = "INSUFFICIENT_PAYMENT"
	CodeDepositBelowMinimum Code = "DEPOSIT_BELOW_MINIMUM"
	CodeDepositAboveCap     Code = "DEPOSIT_ABOVE_CAP"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"

	// State
	CodeChannelAlreadyExists Code = "CHANNEL_ALREADY_EXISTS"
	CodeChannelNotOpen       Code = "CHANNEL_NOT_OPEN"
	CodeChannelAlreadyClosed Code = "CHANNEL_ALREADY_CLOSED"
	CodePendingDispute       Code = "PENDING_DISPUTE"

	// Settlement
	CodeSettlementRequired Code = "SETTLEMENT_REQUIRED"
	CodeSettlementFailed   Code = "SETTLEMENT_FAILED"
	CodeSettlementTimedOut Code = "SETTLEMENT_TIMED_OUT"
	CodeBatchEmpty         Code = "BATCH_EMPTY"

	// Concurrency / transport
	CodeQueueClosed        Code = "QUEUE_CLOSED"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeDialError          Code = "DIAL_ERROR"
	CodeEncodingError      Code = "ENCODING_ERROR"
	CodeNetworkGeneric     Code = "NETWORK_GENERIC"

	// Identity
	CodeBadPassphrase       Code = "BAD_PASSPHRASE"
	CodeIdentityUninitialized Code = "IDENTITY_NOT_INITIALIZED"

	// Protocol / channel-required handoff
	CodeChannelRequired Code = "CHANNEL_REQUIRED"
)

// Error is a typed protocol error carrying a stable code and message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// New builds an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error with the given code. It checks err
// itself by type assertion; wrapped errors are not unwrapped.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// Suggestion returns a short, user-facing recovery suggestion for a code.
// Callers append this to the error message; it lives here so both the
// CLI and any other consumer share one copy.
func Suggestion(code Code) string {
	switch code {
	case CodeChannelRequired:
		return "open a payment channel with the publisher, then retry the query"
	case CodeDepositBelowMinimum:
		return "increase the deposit to at least the configured minimum"
	case CodeSettlementFailed, CodeSettlementTimedOut:
		return "retry the query; no content or funds were exchanged"
	case CodeBadPassphrase:
		return "check the passphrase and retry unlock"
	case CodeIdentityUninitialized:
		return "run the init command to generate a new identity"
	default:
		return ""
	}
}
