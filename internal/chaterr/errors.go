// Package chaterr defines the session error taxonomy shared by the framing,
// handshake, control-protocol, and relay layers. Each class maps to the
// failure semantics in spec.md §7: some are fatal to a session, some are
// reported to the caller without mutating state, and some are silently
// dropped on the datagram path.
package chaterr

import "errors"

// Framing errors (class a) — fatal to the session.
var (
	ErrFrameTooLarge = errors.New("chaterr: frame exceeds length limit")
	ErrShortRead     = errors.New("chaterr: short read while framing")
)

// Crypto errors (class b) — fatal on the reliable stream, droppable on datagrams.
var (
	ErrDecryptFailed = errors.New("chaterr: decryption or authentication failed")
)

// Protocol errors (class c) — fatal to the session.
var (
	ErrUnknownVariant = errors.New("chaterr: unknown message variant")
	ErrMissingField   = errors.New("chaterr: required field missing")
)

// Authorization errors (class d) — reported to caller, state unchanged.
var (
	ErrUnauthorized  = errors.New("chaterr: caller is not authorized for this action")
	ErrBadPassword   = errors.New("chaterr: incorrect password")
	ErrDuplicateUUID = errors.New("chaterr: client UUID already connected")
	ErrServerFull    = errors.New("chaterr: server has reached its connection limit")
)

// State errors (class e) — reported to caller, state unchanged.
var (
	ErrIndexOutOfRange = errors.New("chaterr: message index out of range")
	ErrInvalidTarget   = errors.New("chaterr: edit target is not a Normal message")
	ErrUnknownSender   = errors.New("chaterr: unknown sender UUID")
)

// Resource errors (class f) — reported via notification, feature disabled, session survives.
var (
	ErrDeviceUnavailable = errors.New("chaterr: audio or video device unavailable")
)

// Fatal classifies whether err, if observed on the reliable control stream,
// should terminate the session per spec.md §4.8/§7 (framing, crypto, and
// protocol errors are fatal there; authorization/state/resource errors are
// not).
func Fatal(err error) bool {
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrShortRead),
		errors.Is(err, ErrDecryptFailed),
		errors.Is(err, ErrUnknownVariant), errors.Is(err, ErrMissingField):
		return true
	default:
		return false
	}
}
