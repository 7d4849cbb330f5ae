package domain

import "fmt"

// RowErrorKind classifies why a row failed; the job error summary groups by it.
type RowErrorKind string

const (
	// ErrKindInputInvalid: malformed row or a required field missing after mapping.
	ErrKindInputInvalid RowErrorKind = "input_invalid"
	// ErrKindIdentifierInvalid: the supplier code is not a well-formed UPC/EAN/GTIN.
	ErrKindIdentifierInvalid RowErrorKind = "identifier_invalid"
	// ErrKindResolutionNotFound: the provider confirmed no listing for the code.
	ErrKindResolutionNotFound RowErrorKind = "resolution_not_found"
	// ErrKindResolutionUnsupported: the provider cannot resolve codes of this kind.
	ErrKindResolutionUnsupported RowErrorKind = "resolution_unsupported"
	// ErrKindProviderUnavailable: transient provider failures exhausted the chunk's attempts.
	ErrKindProviderUnavailable RowErrorKind = "provider_unavailable"
	// ErrKindInternal: an unexpected failure while processing the row.
	ErrKindInternal RowErrorKind = "internal"
)

// RowError is a row-level failure. It never escalates to chunk failure.
type RowError struct {
	Kind    RowErrorKind
	Message string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRowError builds a RowError with a formatted message.
func NewRowError(kind RowErrorKind, format string, args ...interface{}) *RowError {
	return &RowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
