package keyless

import "fmt"

// ErrorCode is the 1-byte wire error code carried by an ERROR item.
type ErrorCode uint8

// Wire error codes, per the protocol's error taxonomy. NONE and INTERNAL are
// never transmitted: NONE is an internal success sentinel and INTERNAL marks
// a condition not attributable to the request, which terminates the
// connection instead of producing an ERROR frame.
const (
	ErrNone             ErrorCode = 0x00
	ErrCryptoFailed     ErrorCode = 0x01
	ErrKeyNotFound      ErrorCode = 0x02
	ErrRead             ErrorCode = 0x03
	ErrVersionMismatch  ErrorCode = 0x04
	ErrBadOpcode        ErrorCode = 0x05
	ErrUnexpectedOpcode ErrorCode = 0x06
	ErrFormat           ErrorCode = 0x07
	ErrInternal         ErrorCode = 0x08
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "NONE"
	case ErrCryptoFailed:
		return "CRYPTO_FAILED"
	case ErrKeyNotFound:
		return "KEY_NOT_FOUND"
	case ErrRead:
		return "READ"
	case ErrVersionMismatch:
		return "VERSION_MISMATCH"
	case ErrBadOpcode:
		return "BAD_OPCODE"
	case ErrUnexpectedOpcode:
		return "UNEXPECTED_OPCODE"
	case ErrFormat:
		return "FORMAT"
	case ErrInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("ErrorCode(%#02x)", uint8(c))
	}
}

// WireError pairs an ErrorCode with descriptive context. It implements error
// so dispatcher and codec failures can flow through ordinary Go error
// handling before being translated back into an ERROR item by the connection
// state machine.
type WireError struct {
	Code ErrorCode
	Msg  string
}

func (e *WireError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewWireError constructs a WireError with a formatted message.
func NewWireError(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsWireError extracts the ErrorCode from err, falling back to INTERNAL for
// any error that did not originate as a WireError. INTERNAL errors must never
// reach the wire (see the ErrorCode constants above); callers that receive ErrInternal back
// from this function are expected to terminate the connection instead of
// sending an ERROR frame.
func AsWireError(err error) ErrorCode {
	var we *WireError
	if asWireError(err, &we) {
		return we.Code
	}
	return ErrInternal
}

func asWireError(err error, target **WireError) bool {
	for err != nil {
		if we, ok := err.(*WireError); ok {
			*target = we
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
