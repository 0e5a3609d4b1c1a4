package dlc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for callers and for the terminal failure
// states a contract can land in.
type ErrorKind uint8

const (
	// KindInternal is the zero value catch-all for unclassified errors.
	KindInternal ErrorKind = iota

	// KindInvalidParameter marks a malformed or inconsistent input.
	KindInvalidParameter

	// KindInsufficientFunds marks a wallet that can't cover a
	// collateral plus its fee share.
	KindInsufficientFunds

	// KindInvalidSignature marks an invalid plain signature.
	KindInvalidSignature

	// KindInvalidAdaptorSignature marks an adaptor signature that failed
	// pre-verification.
	KindInvalidAdaptorSignature

	// KindOracleMismatch marks oracle parameters that don't line up with
	// the contract descriptor.
	KindOracleMismatch

	// KindPayoutOutOfRange marks a payout outside [0, total collateral].
	KindPayoutOutOfRange

	// KindBadStateTransition marks an operation applied to a contract in
	// the wrong state.
	KindBadStateTransition

	// KindNotFound marks a missing contract, channel or outcome.
	KindNotFound

	// KindStorageError marks a transient storage failure.
	KindStorageError

	// KindWalletError marks a wallet collaborator failure.
	KindWalletError

	// KindBlockchainError marks a blockchain collaborator failure.
	KindBlockchainError

	// KindTransportError marks a peer transport failure.
	KindTransportError

	// KindExpired marks a contract that passed a deadline, such as a
	// signed contract whose funding never confirmed.
	KindExpired

	// KindDust marks outputs below the dust threshold on both sides.
	KindDust
)

// String returns the human readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid parameter"
	case KindInsufficientFunds:
		return "insufficient funds"
	case KindInvalidSignature:
		return "invalid signature"
	case KindInvalidAdaptorSignature:
		return "invalid adaptor signature"
	case KindOracleMismatch:
		return "oracle mismatch"
	case KindPayoutOutOfRange:
		return "payout out of range"
	case KindBadStateTransition:
		return "bad state transition"
	case KindNotFound:
		return "not found"
	case KindStorageError:
		return "storage error"
	case KindWalletError:
		return "wallet error"
	case KindBlockchainError:
		return "blockchain error"
	case KindTransportError:
		return "transport error"
	case KindExpired:
		return "expired"
	case KindDust:
		return "dust"
	default:
		return "internal error"
	}
}

// Error pairs an error with its kind so callers can branch on the class of
// failure without string matching.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, or KindInternal if it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// IsTransient reports whether the error is a transient I/O failure that
// should be retried on the next periodic check rather than failing the
// contract.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindStorageError, KindBlockchainError, KindTransportError:
		return true
	default:
		return false
	}
}
