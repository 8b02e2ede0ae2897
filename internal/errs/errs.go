// Package errs defines the discriminated error taxonomy shared across
// magnetdl's subsystems: protocol violations, timeouts, hash mismatches,
// transport failures, and unrecoverable session failures.
package errs

import "github.com/pkg/errors"

// Kind discriminates the taxonomy of errors a caller may need to branch on,
// e.g. to decide whether a peer should be blacklisted or merely retried.
type Kind int

const (
	// KindProtocol indicates a peer or node violated the wire protocol.
	KindProtocol Kind = iota
	// KindTimeout indicates an operation did not complete within its deadline.
	KindTimeout
	// KindHashMismatch indicates downloaded data failed SHA-1 verification.
	KindHashMismatch
	// KindTransport indicates a network-level failure (dial, read, write).
	KindTransport
	// KindFatal indicates a condition the session cannot recover from.
	KindFatal

	// KindInvalidScheme indicates a magnet URI did not start with "magnet:?".
	KindInvalidScheme
	// KindEmptyURI indicates an empty string was given where a magnet URI
	// was expected.
	KindEmptyURI
	// KindMissingInfoHash indicates a magnet URI had no "xt" parameter.
	KindMissingInfoHash
	// KindInvalidInfoHash indicates an "xt" parameter's hash failed to
	// decode, or named an unsupported urn namespace (e.g. urn:btmh).
	KindInvalidInfoHash
	// KindInvalidParameter indicates some other magnet parameter (xl, tr,
	// ...) was present but malformed.
	KindInvalidParameter
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	case KindInvalidScheme:
		return "invalid_scheme"
	case KindEmptyURI:
		return "empty_uri"
	case KindMissingInfoHash:
		return "missing_info_hash"
	case KindInvalidInfoHash:
		return "invalid_info_hash"
	case KindInvalidParameter:
		return "invalid_parameter"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. It wraps an underlying cause (if any)
// via github.com/pkg/errors so that Cause/Unwrap chains stay intact.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "dht.get_peers"
	Peer    string // optional: peer/node address involved
	cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Op
	if e.Peer != "" {
		msg += " (peer " + e.Peer + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Cause exposes the wrapped cause for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.cause }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a taxonomy error wrapping cause via pkg/errors so the
// resulting stack trace still points at the call site.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, cause: errors.WithStack(cause)}
}

// WrapPeer is Wrap plus the remote address involved, for logging.
func WrapPeer(kind Kind, op, peer string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Peer: peer, cause: errors.WithStack(cause)}
}

// Is reports whether err is (or wraps) a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if te, ok := err.(*Error); ok {
			e = te
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Kind == kind
}

func Protocol(op string, cause error) *Error     { return Wrap(KindProtocol, op, cause) }
func Timeout(op string, cause error) *Error      { return Wrap(KindTimeout, op, cause) }
func HashMismatch(op string, cause error) *Error { return Wrap(KindHashMismatch, op, cause) }
func Transport(op string, cause error) *Error    { return Wrap(KindTransport, op, cause) }
func Fatal(op string, cause error) *Error        { return Wrap(KindFatal, op, cause) }
