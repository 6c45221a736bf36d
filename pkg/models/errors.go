package models

import "errors"

// Error classes shared by every actor. Callers wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrValidation = errors.New("validation failure")
	ErrTransport  = errors.New("transport failure")
	ErrCredential = errors.New("credential failure")
	ErrStorage    = errors.New("storage failure")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)
