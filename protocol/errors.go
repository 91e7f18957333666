package protocol

import "fmt"

// ErrorKind is the machine-readable rejection code attached to verify and
// settle verdicts. The set is closed; callers dispatch on these values.
type ErrorKind string

const (
	KindUnsupportedNetwork ErrorKind = "unsupported_network"
	KindInvalidAsset       ErrorKind = "invalid_asset"
	KindRecipientMismatch  ErrorKind = "recipient_mismatch"
	KindAmountMismatch     ErrorKind = "amount_mismatch"
	KindExpired            ErrorKind = "expired"
	KindNotYetValid        ErrorKind = "not_yet_valid"
	KindInvalidSignature   ErrorKind = "invalid_signature"
	KindReplayDetected     ErrorKind = "replay_detected"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindSimulationFailed   ErrorKind = "simulation_failed"
	KindTransactionFailed  ErrorKind = "transaction_failed"
	KindChainError         ErrorKind = "chain_error"
)

// Error carries an ErrorKind alongside the underlying cause. Business
// rejections are recovered into verdicts by the services; only the kind is
// ever surfaced to callers.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Reject builds a business rejection with the supplied kind.
func Reject(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to KindChainError for
// errors produced outside the taxonomy (RPC transport failures and the like).
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	for {
		if e, ok := err.(*Error); ok {
			perr = e
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
		if err == nil {
			break
		}
	}
	if perr != nil {
		return perr.Kind
	}
	return KindChainError
}
