package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrInvalidCredential covers every bearer/session failure: unknown,
	// expired, revoked or unverifiable. Callers must not be able to tell
	// these apart.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrInvalidOwner      = errors.New("auth: token owner does not exist")

	ErrDenied            = errors.New("auth: access denied")
	ErrWorkspaceArchived = errors.New("auth: workspace is archived")
)
