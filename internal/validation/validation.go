package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"waflow/internal/constants"
	"waflow/internal/errors"
)

// Request-boundary validation. Node payload limits live with the node data
// parsers; this package covers what arrives over HTTP.

// ValidatePhoneNumber validates an E.164-style phone number, with or
// without the leading plus.
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return errors.New(errors.ErrCodeInvalidInput, "phone number cannot be empty")
	}

	cleaned := strings.TrimPrefix(strings.TrimSpace(phone), "+")

	if len(cleaned) < constants.MinPhoneNumberLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("phone number must be at least %d digits", constants.MinPhoneNumberLength))
	}
	if len(cleaned) > constants.MaxPhoneNumberLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("phone number too long (max %d digits)", constants.MaxPhoneNumberLength))
	}

	for _, char := range cleaned {
		if !unicode.IsDigit(char) {
			return errors.New(errors.ErrCodeInvalidInput, "phone number must contain only digits")
		}
	}

	return nil
}

// ValidateFlowID validates a flow identifier taken from the URL path.
func ValidateFlowID(flowID string) error {
	if flowID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "flow id cannot be empty")
	}
	if len(flowID) > constants.MaxIdentifierLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("flow id too long (max %d characters)", constants.MaxIdentifierLength))
	}
	for _, char := range flowID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "flow id contains invalid characters")
		}
	}
	return nil
}

// ValidateHTTPRequestSize rejects oversized request bodies before reading.
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateStringLength validates string length against bounds.
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}
	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}
	return nil
}

// ValidateRetentionDays validates the session log retention period.
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days must be at least 1")
	}
	if days > 3650 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days too large (max 3650)")
	}
	return nil
}
