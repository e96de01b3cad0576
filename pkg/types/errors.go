package types

import "errors"

var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrAuthorization = errors.New("authorization failed")
	ErrStorage       = errors.New("storage operation failed")
	ErrConsistency   = errors.New("consistency violation")
	ErrIO            = errors.New("i/o error")

	// Signals reported by collaborators.
	ErrAlreadyExists    = errors.New("already exists")
	ErrNoSuchContainer  = errors.New("no such container")
	ErrNotFound         = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCapacity         = errors.New("insufficient capacity")
)
