package config

import "errors"

var (
	// ErrNotFound means the config file does not exist.
	ErrNotFound = errors.New("config not found")
	// ErrInvalid means the document failed schema validation.
	ErrInvalid = errors.New("config invalid")
	// ErrConflict means the on-disk bytes changed since the caller's
	// snapshot. CLI collaborators map this to a distinct exit code.
	ErrConflict = errors.New("config conflict")
	// ErrSensitiveMissing means a redaction sentinel pointed at a field
	// with no stored value to restore.
	ErrSensitiveMissing = errors.New("sensitive value missing")
)
