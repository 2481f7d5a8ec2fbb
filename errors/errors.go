// Package errors provides error types and handling for GCS output operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents a GCS operation error with context about the operation that failed.
// It wraps the underlying storage or credential error with additional context.
type Error struct {
	// Op is the operation that failed (e.g., "upload", "compose", "delete")
	Op string

	// Bucket is the GCS bucket name (if applicable)
	Bucket string

	// Object is the GCS object name (if applicable)
	Object string

	// Err is the underlying error from the storage SDK or other source
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Bucket != "" && e.Object != "" {
		return fmt.Sprintf("gcs.%s %s/%s: %v", e.Op, e.Bucket, e.Object, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("gcs.%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	}
	if e.Object != "" {
		return fmt.Sprintf("gcs.%s object %s: %v", e.Op, e.Object, e.Err)
	}
	return fmt.Sprintf("gcs.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithBucket adds bucket context to an existing error.
func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

// WithObject adds object name context to an existing error.
func (e *Error) WithObject(object string) *Error {
	e.Object = object
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewBucketError creates a new Error with bucket context.
func NewBucketError(op, bucket string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Err:    err,
	}
}

// NewObjectError creates a new Error with bucket and object context.
func NewObjectError(op, bucket, object string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Object: object,
		Err:    err,
	}
}

// Sentinel errors for the failure classes this module distinguishes.
// These can be used with errors.Is() for error checking.
var (
	// ErrConfiguration indicates invalid, missing, or conflicting configuration,
	// including bad credential material and 4xx-class responses from the store.
	// Configuration errors are never retried and abort the job before data flows.
	ErrConfiguration = errors.New("gcs: configuration error")

	// ErrRetryExhausted indicates a transient failure whose retry budget is spent
	ErrRetryExhausted = errors.New("gcs: retry budget exhausted")

	// ErrLocalResource indicates a local disk or staging file failure
	ErrLocalResource = errors.New("gcs: local resource error")

	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("gcs: invalid input")

	// ErrObjectNotFound indicates that the requested object does not exist
	ErrObjectNotFound = errors.New("gcs: object not found")

	// ErrBucketNotFound indicates that the requested bucket does not exist
	ErrBucketNotFound = errors.New("gcs: bucket not found")

	// ErrAccessDenied indicates that access to the resource is denied
	ErrAccessDenied = errors.New("gcs: access denied")

	// ErrInvalidBucketName indicates that the bucket name is invalid
	ErrInvalidBucketName = errors.New("gcs: invalid bucket name")

	// ErrInvalidObjectName indicates that the object name is invalid
	ErrInvalidObjectName = errors.New("gcs: invalid object name")

	// ErrOutputClosed indicates an operation on an output that was closed or aborted
	ErrOutputClosed = errors.New("gcs: output closed")
)

// IsConfiguration checks if an error belongs to the configuration failure class.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsRetryExhausted checks if an error indicates a spent retry budget.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// IsLocalResource checks if an error indicates a local disk or staging failure.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsLocalResource(err error) bool {
	return errors.Is(err, ErrLocalResource)
}

// IsInvalidInput checks if an error indicates invalid input.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsObjectNotFound checks if an error indicates that an object was not found.
// This is a convenience function that handles both sentinel errors and wrapped errors.
func IsObjectNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
