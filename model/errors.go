package model

import "errors"

// Sentinel errors for the workflow. Handlers map these to HTTP status
// codes; everything else is treated as a server-side failure.
var (
	// ErrValidation covers missing or malformed caller input.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound means the requested contract does not exist.
	ErrNotFound = errors.New("contract not found")
	// ErrInvalidTransition means the requested lifecycle step is not
	// legal from the contract's current status.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrUnsupportedDocument means the uploaded document has no
	// renderable first page.
	ErrUnsupportedDocument = errors.New("unsupported document")
	// ErrDecode means submitted image bytes do not match their
	// declared type.
	ErrDecode = errors.New("image decode failed")
)
