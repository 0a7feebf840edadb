package encoder

import "errors"

var (
	// ErrSessionFailed is returned once the health monitor has declared the
	// session FAILED. The caller must destroy and recreate the session.
	ErrSessionFailed = errors.New("encoder session failed")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("encoder session closed")

	// ErrReconfigureUnsupported is returned by Update. The hardware freezes
	// parameters at open time, so changed settings require a new session.
	ErrReconfigureUnsupported = errors.New("live reconfiguration unsupported, recreate the session")

	// ErrHeadersUnavailable is returned when stream headers did not arrive
	// within the bounded wait.
	ErrHeadersUnavailable = errors.New("stream headers unavailable")
)
