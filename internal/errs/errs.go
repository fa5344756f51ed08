// Package errs defines the error taxonomy shared by every component of the
// key-agreement core, ordered from most to least recoverable.
package errs

import "errors"

// Kind classifies a core error so callers can decide whether to retry,
// surface it to the user, or treat it as fatal.
type Kind int

const (
	// KindTransient covers network timeouts, 5xx responses, and 429s.
	// Recoverable by retry; the core does not retry automatically except
	// where explicitly noted (401 token refresh).
	KindTransient Kind = iota
	// KindReconcilerMismatch: the directory says no bundle exists but the
	// local flags claim one was uploaded. Recovered internally by the
	// reconciler; never surfaced past it.
	KindReconcilerMismatch
	// KindPeerNotProvisioned: the directory returned 404 for a peer bundle.
	KindPeerNotProvisioned
	// KindBundleMalformed: a fetched peer bundle failed to decode or had
	// key lengths inconsistent with its declared crypto version.
	KindBundleMalformed
	// KindSignatureInvalid: a signed-prekey signature did not verify.
	KindSignatureInvalid
	// KindLocalKeysMissing: session bootstrap was attempted before
	// initialize() completed and local identity material does not exist.
	KindLocalKeysMissing
	// KindStorageUnavailable: the secret store is locked or unreadable.
	// Fatal to the core; callers should refuse to proceed.
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindReconcilerMismatch:
		return "reconciler_mismatch"
	case KindPeerNotProvisioned:
		return "peer_not_provisioned"
	case KindBundleMalformed:
		return "bundle_malformed"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindLocalKeysMissing:
		return "local_keys_missing"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "unknown"
	}
}

// Error is a core error tagged with a Kind for programmatic dispatch.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a core error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a core error of the given kind wrapping an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrPeerIsSelf is returned when a caller asks to fetch its own bundle.
	ErrPeerIsSelf = New(KindBundleMalformed, "peer id is the local account's own id")
	// ErrSessionNotEstablished is returned by operations that require a
	// fully bootstrapped ratcheting session.
	ErrSessionNotEstablished = New(KindLocalKeysMissing, "session not established")
)
