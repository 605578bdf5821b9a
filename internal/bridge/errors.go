package bridge

import (
	"errors"

	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/session"
)

var (
	// ErrNotInitialized is returned when a request needs the backend before
	// initialize connected it.
	ErrNotInitialized = errors.New("agent not initialized")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = session.ErrNotFound

	// ErrInvalidArgument is returned for missing or malformed request fields,
	// including an invalid session mode.
	ErrInvalidArgument = session.ErrInvalidArgument

	// ErrBackend wraps every failure reported by the opencode server.
	ErrBackend = gateway.ErrBackend

	// ErrUnsupported is returned for operations the bridge does not offer.
	ErrUnsupported = errors.New("unsupported operation")
)

// IsInvalidArgument reports whether err is a validation failure.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
