package registry

import "errors"

// Revert reasons. Messages match the contract's revert strings.
var (
	ErrInvalidStudent       = errors.New("Invalid student address")
	ErrEmptyCourseID        = errors.New("Course ID cannot be empty")
	ErrEmptyCourseName      = errors.New("Course name cannot be empty")
	ErrEmptyContentHash     = errors.New("IPFS hash cannot be empty")
	ErrFutureCompletionDate = errors.New("Completion date cannot be in the future")
	ErrCertificateExists    = errors.New("Certificate already exists")
	ErrCertificateNotFound  = errors.New("Certificate does not exist")
	ErrAlreadyRevoked       = errors.New("Certificate already revoked")
	ErrMissingRole          = errors.New("AccessControl: account is missing role")
	ErrPaused               = errors.New("Pausable: paused")
	ErrNotPaused            = errors.New("Pausable: not paused")
)
