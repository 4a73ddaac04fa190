package coap

import (
	"errors"
	"fmt"
)

// Message encoding/decoding errors (RFC 7252 §3). These are always fatal
// for the message at hand; the caller decides whether to drop silently or
// answer with a Reset.
var (
	ErrInvalidHeader                = errors.New("coap: invalid header")
	ErrInvalidPacketLength           = errors.New("coap: invalid packet length")
	ErrInvalidTokenLength            = errors.New("coap: invalid token length")
	ErrInvalidOptionDelta            = errors.New("coap: invalid option delta")
	ErrInvalidOptionLength           = errors.New("coap: invalid option length")
	ErrIncompatibleOptionValueFormat = errors.New("coap: incompatible option value format")
)

// IncompatibleOptionValueFormatError wraps ErrIncompatibleOptionValueFormat
// with a message describing which conversion failed, e.g. requesting a
// uint32 view of a 6-byte option value.
type IncompatibleOptionValueFormatError struct {
	Msg string
}

func (e *IncompatibleOptionValueFormatError) Error() string {
	return fmt.Sprintf("coap: incompatible option value format: %s", e.Msg)
}

func (e *IncompatibleOptionValueFormatError) Unwrap() error {
	return ErrIncompatibleOptionValueFormat
}

func newIncompatibleOptionValueFormatError(format string, args ...interface{}) error {
	return &IncompatibleOptionValueFormatError{Msg: fmt.Sprintf(format, args...)}
}

// HandlingErrorKind classifies a HandlingError so callers can decide
// whether to materialize a response or simply fall through to the
// application (NotHandled).
type HandlingErrorKind int

const (
	// KindNotHandled is a sentinel, not really an error: proceed to the
	// application, no short-circuit response was produced.
	KindNotHandled HandlingErrorKind = iota
	KindNotFound
	KindBadRequest
	KindMethodNotSupported
	KindInternal
	KindWithCode
)

// HandlingError is a protocol-level outcome carrying an optional CoAP
// response code and a human-readable message. Used by the block-wise
// coordinator and by higher layers built on top of this core (e.g. a
// routing dispatcher).
type HandlingError struct {
	Kind    HandlingErrorKind
	Code    Code
	Message string
}

func (e *HandlingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coap: handling error (%s)", e.Code)
	}
	return fmt.Sprintf("coap: handling error (%s): %s", e.Code, e.Message)
}

// NotHandled reports that no short-circuit response was produced and
// processing should proceed to the application.
func NotHandled() *HandlingError {
	return &HandlingError{Kind: KindNotHandled}
}

// NotFound builds a 4.04 handling error.
func NotFound(msg string) *HandlingError {
	return &HandlingError{Kind: KindNotFound, Code: CodeNotFound, Message: msg}
}

// BadRequest builds a 4.00 handling error.
func BadRequest(msg string) *HandlingError {
	return &HandlingError{Kind: KindBadRequest, Code: CodeBadRequest, Message: msg}
}

// MethodNotSupported builds a 4.05 handling error.
func MethodNotSupported(msg string) *HandlingError {
	return &HandlingError{Kind: KindMethodNotSupported, Code: CodeMethodNotAllowed, Message: msg}
}

// Internal builds a 5.00 handling error. Internal errors indicate a bug in
// this library or its caller, not a malformed peer message.
func Internal(msg string) *HandlingError {
	return &HandlingError{Kind: KindInternal, Code: CodeInternalServerError, Message: msg}
}

// WithCode builds a handling error carrying an arbitrary response code.
func WithCode(code Code, msg string) *HandlingError {
	return &HandlingError{Kind: KindWithCode, Code: code, Message: msg}
}

// IsNotHandled reports whether err is the NotHandled sentinel.
func IsNotHandled(err error) bool {
	var he *HandlingError
	if errors.As(err, &he) {
		return he.Kind == KindNotHandled
	}
	return false
}

// ToResponse translates a HandlingError into a response packet: it sets
// the code, the content-format to text/plain, and the payload to the
// UTF-8 message bytes.
func (e *HandlingError) ToResponse() Packet {
	var p Packet
	p.Header.Type = Acknowledgement
	p.Header.Code = e.Code
	p.SetContentFormat(ContentFormatTextPlain)
	p.Payload = []byte(e.Message)
	return p
}
