// Package validation provides centralized input validation logic.
// This includes bucket name validation, object name validation, and checks
// on the sequence format used to generate object names.
//
// All user inputs are validated before being sent to GCS so that bad
// configuration fails the job before any data flows.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/embulk/embulk-output-gcs/errors"
)

// ValidateBucketName validates that a bucket name complies with GCS naming rules.
// Returns ErrInvalidBucketName if the bucket name is invalid.
func ValidateBucketName(bucket string) error {
	if bucket == "" {
		return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
			WithBucket(bucket).
			WithMessage("bucket name cannot be empty")
	}

	// Bucket names must be between 3 and 63 characters long
	// (names containing dots may be longer, up to 222, but each dot-separated
	// component is still capped at 63)
	if len(bucket) < 3 || len(bucket) > 222 {
		return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
			WithBucket(bucket).
			WithMessage("bucket name must be between 3 and 222 characters long")
	}
	for _, part := range strings.Split(bucket, ".") {
		if len(part) == 0 || len(part) > 63 {
			return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
				WithBucket(bucket).
				WithMessage("each dot-separated component must be between 1 and 63 characters long")
		}
	}

	// Bucket names can consist only of lowercase letters, numbers, dashes,
	// underscores, and dots
	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
				WithBucket(bucket).
				WithMessage("bucket name can only contain lowercase letters, numbers, dashes, underscores, and dots")
		}
	}

	// Bucket names must start and end with a letter or number
	first, last := bucket[0], bucket[len(bucket)-1]
	if !isAlphanumeric(first) || !isAlphanumeric(last) {
		return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
			WithBucket(bucket).
			WithMessage("bucket name must start and end with a letter or number")
	}

	// Bucket names cannot begin with the "goog" prefix
	if strings.HasPrefix(bucket, "goog") {
		return errors.NewError("validateBucketName", errors.ErrInvalidBucketName).
			WithBucket(bucket).
			WithMessage("bucket name cannot begin with the goog prefix")
	}

	return nil
}

// ValidateObjectName validates that an object name is acceptable to GCS.
// Object names are UTF-8, at most 1024 bytes, and must not be "." or "..".
func ValidateObjectName(name string) error {
	if name == "" {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name cannot be empty")
	}

	if len(name) > 1024 {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name cannot exceed 1024 bytes")
	}

	if !utf8.ValidString(name) {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name must be valid UTF-8")
	}

	if name == "." || name == ".." {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name cannot be . or ..")
	}

	if strings.ContainsAny(name, "\r\n") {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name cannot contain carriage return or line feed characters")
	}

	if hasControlCharacters(name) {
		return errors.NewError("validateObjectName", errors.ErrInvalidObjectName).
			WithObject(name).
			WithMessage("object name cannot contain control characters")
	}

	return nil
}

// ValidateSequenceFormat validates that a sequence format string carries
// exactly two integer verbs, one for the task index and one for the file index.
func ValidateSequenceFormat(format string) error {
	if format == "" {
		return errors.NewError("validateSequenceFormat", errors.ErrInvalidInput).
			WithMessage("sequence format cannot be empty")
	}

	if countIntegerVerbs(format) != 2 {
		return errors.NewError("validateSequenceFormat", errors.ErrInvalidInput).
			WithMessage("sequence format must contain exactly two integer placeholders (e.g. \".%03d.%02d\")")
	}

	return nil
}

// isValidBucketChar checks if a character is valid in a bucket name
func isValidBucketChar(char rune) bool {
	return (char >= '0' && char <= '9') || (char >= 'a' && char <= 'z') ||
		char == '-' || char == '_' || char == '.'
}

// isAlphanumeric checks if a byte is a lowercase letter or digit
func isAlphanumeric(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z')
}

// hasControlCharacters checks for control characters in a string
func hasControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// countIntegerVerbs counts %d-style integer verbs in a format string,
// treating %% as a literal percent sign.
func countIntegerVerbs(format string) int {
	count := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 < len(format) && format[i+1] == '%' {
			i++
			continue
		}
		// Skip flags, width, and precision up to the verb
		j := i + 1
		for j < len(format) && strings.ContainsRune("+-# 0123456789.", rune(format[j])) {
			j++
		}
		if j < len(format) {
			switch format[j] {
			case 'd', 'x', 'X', 'o', 'b':
				count++
			}
			i = j
		}
	}
	return count
}
