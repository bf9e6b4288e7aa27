package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is wrapped by every payload validation error.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicatedTestJob is returned when a build already has a test run
	// with the submitted job id.
	ErrDuplicatedTestJob = errors.New("duplicated test job")
)

// InvalidMetadataError reports a malformed metadata payload.
type InvalidMetadataError struct {
	Reason string
}

func (e *InvalidMetadataError) Error() string { return "invalid metadata: " + e.Reason }

func (e *InvalidMetadataError) Unwrap() error { return ErrInvalidInput }

// InvalidMetricsDataError reports a malformed metrics payload.
type InvalidMetricsDataError struct {
	Reason string
}

func (e *InvalidMetricsDataError) Error() string { return "invalid metrics data: " + e.Reason }

func (e *InvalidMetricsDataError) Unwrap() error { return ErrInvalidInput }

// InvalidTestsDataError reports a malformed tests payload.
type InvalidTestsDataError struct {
	Reason string
}

func (e *InvalidTestsDataError) Error() string { return "invalid tests data: " + e.Reason }

func (e *InvalidTestsDataError) Unwrap() error { return ErrInvalidInput }

// InvalidAttachmentsError reports attachments that cannot be stored
// side by side.
type InvalidAttachmentsError struct {
	Reason string
}

func (e *InvalidAttachmentsError) Error() string { return "invalid attachments: " + e.Reason }

func (e *InvalidAttachmentsError) Unwrap() error { return ErrInvalidInput }

func invalidMetadata(format string, args ...any) error {
	return &InvalidMetadataError{Reason: fmt.Sprintf(format, args...)}
}

func invalidMetrics(format string, args ...any) error {
	return &InvalidMetricsDataError{Reason: fmt.Sprintf(format, args...)}
}

func invalidTests(format string, args ...any) error {
	return &InvalidTestsDataError{Reason: fmt.Sprintf(format, args...)}
}

func invalidAttachments(format string, args ...any) error {
	return &InvalidAttachmentsError{Reason: fmt.Sprintf(format, args...)}
}
