package storage

import "errors"

// Common client storage errors
var (
	// ErrSessionNotFound indicates that no login session is stored
	ErrSessionNotFound = errors.New("session not found")

	// ErrWorkingCopyNotFound indicates that the directory is not a checked out document
	ErrWorkingCopyNotFound = errors.New("working copy not found")
)
