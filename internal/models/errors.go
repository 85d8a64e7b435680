package models

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. Match with errors.Is.
var (
	ErrCountExceeded = errors.New("photo count limit exceeded")
	ErrFileTooLarge  = errors.New("file too large")
	ErrDerivation    = errors.New("image could not be processed")
	ErrUnauthorized  = errors.New("not authorized")
	ErrSubmission    = errors.New("submission failed")
	ErrEmptyBatch    = errors.New("no photos to submit")
)

// FileError is a per-file failure collected during a selection.
type FileError struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *FileError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }
