package service

import "errors"

var (
	// ErrJobNotFound is returned for unknown jobs and jobs owned by someone else.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an operation needs a job that is still running.
	ErrJobTerminal = errors.New("job already finished")
	// ErrJobNotTerminal is returned when an operation needs a finished job.
	ErrJobNotTerminal = errors.New("job is still running")
	// ErrInvalidMapping is returned when a column mapping cannot be applied.
	ErrInvalidMapping = errors.New("invalid column mapping")
	// ErrNoRows is returned for uploads without any data rows.
	ErrNoRows = errors.New("upload contains no data rows")
	// ErrStorageDisabled is returned by features that need object storage.
	ErrStorageDisabled = errors.New("object storage is not configured")
)
