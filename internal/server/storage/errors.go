package storage

import "errors"

// Common storage errors
var (
	// ErrNotFound indicates that the document or the requested version does not exist
	ErrNotFound = errors.New("document not found")

	// ErrLocked indicates that the document is checked out by another user
	ErrLocked = errors.New("document is locked by another user")

	// ErrConflict indicates a checkout ownership violation on commit or delete
	ErrConflict = errors.New("document checkout conflict")

	// ErrInvalidToken indicates an unknown or expired update token
	ErrInvalidToken = errors.New("invalid update token")

	// ErrIncompleteUpload indicates that entries remain outstanding after an entry transfer
	ErrIncompleteUpload = errors.New("incomplete upload")

	// ErrUnauthorized indicates a session, permission or pass-phrase failure
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransport indicates a network or connection failure talking to a remote node
	ErrTransport = errors.New("transport failure")

	// ErrInconsistent indicates that a remote node cannot supply entries its manifest references
	ErrInconsistent = errors.New("remote document is inconsistent")

	// ErrInvalidFilter indicates a list filter that names an unknown attribute or a malformed value
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrUserNotFound indicates that user was not found in storage
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates that user with this username already exists
	ErrUserAlreadyExists = errors.New("user already exists")
)
