package nub

import "errors"

// Error is the failure type raised by every layer of the transport. It names
// the Reason and, when the failure concerns one peer, that peer's Address.
type Error struct {
	Reason  Reason
	Address Address
	Err     error // optional cause
}

// Sentinels for errors.Is. Matching ignores the address and cause.
var (
	ErrGeneral         = &Error{Reason: GeneralError}
	ErrConfiguration   = &Error{Reason: Configuration}
	ErrCorruptedPacket = &Error{Reason: CorruptedPacket}
	ErrTooLarge        = &Error{Reason: TooLarge}
	ErrSizeMismatch    = &Error{Reason: SizeMismatch}
	ErrUnknownMessage  = &Error{Reason: UnknownMessage}
	ErrTimeout         = &Error{Reason: Timeout}
	ErrNoSuchPort      = &Error{Reason: NoSuchPort}
	ErrSendFailed      = &Error{Reason: SendFailed}
	ErrWindowOverflow  = &Error{Reason: WindowOverflow}
	ErrShuttingDown    = &Error{Reason: ShuttingDown}
	ErrNoSuchTarget    = &Error{Reason: NoSuchTarget}
)

// NewError returns an Error for reason, bound to addr (None for generic
// transport failures).
func NewError(reason Reason, addr Address) *Error {
	return &Error{Reason: reason, Address: addr}
}

// Wrap returns an Error for reason bound to addr, carrying cause.
func Wrap(reason Reason, addr Address, cause error) *Error {
	return &Error{Reason: reason, Address: addr, Err: cause}
}

// HasAddress reports whether the failure concerns a specific peer.
func (e *Error) HasAddress() bool { return !e.Address.IsNone() }

func (e *Error) Error() string {
	s := e.Reason.String()
	if e.HasAddress() {
		s += " (" + e.Address.String() + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// ReasonOf extracts the Reason carried by err, GeneralError for foreign
// errors and Success for nil.
func ReasonOf(err error) Reason {
	if err == nil {
		return Success
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Reason
	}
	return GeneralError
}
