package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the session or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate session_id on create.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotCancellable indicates the session is already terminal.
	ErrNotCancellable = errors.New("session is not in a cancellable state")
)
