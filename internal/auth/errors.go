package auth

import "errors"

var (
	// ErrUnauthenticated means no credential was presented or the subject is unknown.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidCredential means a credential was presented but failed validation.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrForbidden means the resolved identity lacks a required permission.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrNotFound means a directory lookup matched no active user.
	ErrNotFound = errors.New("auth: not found")
)
