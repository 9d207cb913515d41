package service

import "errors"

// Error taxonomy shared by the services. Callers match with errors.Is.
var (
	// ErrNotFound: referenced user/image/detection does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: operation attempted on a detection whose
	// state disallows it. Indicates a caller bug or a lost race.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyTerminal: mark-failed on a completed/failed detection.
	ErrAlreadyTerminal = errors.New("detection already in terminal state")
	// ErrUnsupportedType: upload with an extension other than jpg/jpeg/png.
	ErrUnsupportedType = errors.New("unsupported image type")
	// ErrTooLarge: upload exceeding the size ceiling.
	ErrTooLarge = errors.New("image exceeds maximum size")
	// ErrDuplicateEmail: user creation with an email already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrClassification: the classifier failed during processing. The
	// detection is already marked failed when this is returned.
	ErrClassification = errors.New("classification failed")
	// ErrStorage: blob store I/O failure during image save/delete.
	ErrStorage = errors.New("storage error")
)
