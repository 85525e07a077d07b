package contracts

import "errors"

// Sentinel errors of the bargaining pipeline. The orchestrator maps these to
// the stable caller-facing error codes; nothing below it leaks raw internals.
var (
	// ErrNoInventory means no supplier snapshot exists for the product, so
	// there is no safe price to quote. Retryable; the session stays OPEN.
	ErrNoInventory = errors.New("no supplier inventory available")

	// ErrNeverLossViolation means an accept would close below the current
	// cost floor. Fatal for the transition, session state is left untouched.
	ErrNeverLossViolation = errors.New("never-loss violation")

	// ErrOfferExpired means the latest capsule's offer window has passed.
	// Retryable by requesting a fresh round.
	ErrOfferExpired = errors.New("offer expired")

	// ErrSessionNotFound means no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed means the session already reached a terminal outcome.
	ErrSessionClosed = errors.New("session closed")

	// ErrRoundLimit means the round cap was reached; only accept or a
	// terminal transition is permitted.
	ErrRoundLimit = errors.New("round limit reached")

	// ErrRoundTimeout means the round computation exceeded the hard timeout
	// (2x the response budget). Retryable.
	ErrRoundTimeout = errors.New("round computation timed out")

	// ErrSignatureInvalid means capsule verification failed. Security
	// relevant; reject outright.
	ErrSignatureInvalid = errors.New("capsule signature invalid")

	// ErrNoValidOffer means an accept was attempted with no sealed capsule
	// on record.
	ErrNoValidOffer = errors.New("no valid offer on session")

	// ErrCapsuleNotFound means no capsule exists for the given id or session.
	ErrCapsuleNotFound = errors.New("capsule not found")
)

// ErrorCode is the stable caller-facing code for a pipeline failure.
type ErrorCode string

const (
	CodeNoInventory      ErrorCode = "NO_INVENTORY"
	CodeNeverLoss        ErrorCode = "NEVER_LOSS_VIOLATION"
	CodeOfferExpired     ErrorCode = "OFFER_EXPIRED"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed    ErrorCode = "SESSION_CLOSED"
	CodeRoundLimit       ErrorCode = "ROUND_LIMIT"
	CodeRoundTimeout     ErrorCode = "ROUND_TIMEOUT"
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	CodeNoValidOffer     ErrorCode = "NO_VALID_OFFER"
	CodeInternal         ErrorCode = "INTERNAL"
)

// CodeFor maps a pipeline error to its caller-facing code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNoInventory):
		return CodeNoInventory
	case errors.Is(err, ErrNeverLossViolation):
		return CodeNeverLoss
	case errors.Is(err, ErrOfferExpired):
		return CodeOfferExpired
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, ErrRoundLimit):
		return CodeRoundLimit
	case errors.Is(err, ErrRoundTimeout):
		return CodeRoundTimeout
	case errors.Is(err, ErrSignatureInvalid):
		return CodeSignatureInvalid
	case errors.Is(err, ErrNoValidOffer), errors.Is(err, ErrCapsuleNotFound):
		return CodeNoValidOffer
	default:
		return CodeInternal
	}
}

// Retryable reports whether the caller may retry the same operation (or ask
// for a fresh round) without operator intervention.
func Retryable(err error) bool {
	switch CodeFor(err) {
	case CodeNoInventory, CodeOfferExpired, CodeRoundTimeout:
		return true
	default:
		return false
	}
}
