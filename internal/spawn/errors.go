package spawn

import (
	"errors"
)

var (
	// ErrAlreadyFinished is returned by operations on a child that has
	// already been reaped, or when no child was ever started.
	ErrAlreadyFinished = errors.New("child already finished")
	// ErrExitInProgress is returned by SendExit while another exit request
	// is still waiting for the child to go away.
	ErrExitInProgress = errors.New("exit request already in progress")
	// ErrShortWrite is returned when the child accepted fewer bytes than
	// the request line holds. Writes are attempted once and not retried;
	// callers rotate the dispatcher instead.
	ErrShortWrite = errors.New("short write to child stdin")
	// ErrSignalRefused is returned when the operating system rejected the
	// termination signal.
	ErrSignalRefused = errors.New("signal refused")
)
