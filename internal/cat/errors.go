package cat

import "errors"

// Sentinel errors for the cat package.
var (
	ErrDuplicateSession  = errors.New("cat: duplicate test session")
	ErrSessionNotFound   = errors.New("cat: test session not found")
	ErrSessionTerminated = errors.New("cat: test session terminated")
	ErrInvalidItem       = errors.New("cat: invalid item for session")
	ErrInvalidRequest    = errors.New("cat: invalid request")
	ErrInvalidTransition = errors.New("cat: invalid status transition")
)
