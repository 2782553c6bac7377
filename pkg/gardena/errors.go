package gardena

import "errors"

// Error taxonomy for the bridge. Only ErrAuth is fatal to the process; every
// other class is contained at the component boundary.
var (
	// ErrAuth indicates rejected credentials or an auth endpoint that stayed
	// unreachable past the retry budget.
	ErrAuth = errors.New("gardena: authentication failed")

	// ErrTransport indicates a recoverable connection or HTTP failure.
	ErrTransport = errors.New("gardena: transport failure")

	// ErrProtocol indicates a malformed or unexpected frame from the cloud.
	ErrProtocol = errors.New("gardena: protocol violation")

	// ErrNotFound indicates a serial with no matching device in the directory.
	ErrNotFound = errors.New("gardena: unknown serial")

	// ErrInvalidCommand indicates a malformed payload or unsupported duration.
	ErrInvalidCommand = errors.New("gardena: invalid command")

	// ErrBusy indicates a command is already in flight for that serial.
	ErrBusy = errors.New("gardena: command already in flight")
)
