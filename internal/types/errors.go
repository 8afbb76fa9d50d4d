package types

import "errors"

var (
	// ErrConfig marks malformed or missing device parameters. The device is skipped.
	ErrConfig = errors.New("device config error")

	// ErrConnection marks a transport that failed to open or reconnect.
	ErrConnection = errors.New("connection error")

	// ErrReadValidation is returned before any I/O for bad read requests.
	ErrReadValidation = errors.New("read validation error")

	// ErrRead marks a single failed sub-read.
	ErrRead = errors.New("read error")

	// ErrWatcherDecode marks unreadable or malformed command data.
	ErrWatcherDecode = errors.New("command decode error")

	// ErrTaskActive means a second polling task was requested while one runs.
	ErrTaskActive = errors.New("polling task already active")

	// ErrTransitionTimeout is returned when a submitted transition did not
	// finish within the bounded wait.
	ErrTransitionTimeout = errors.New("transition timed out")
)
