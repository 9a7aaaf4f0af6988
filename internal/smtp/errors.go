package smtp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ConnectionError indicates transport setup or verification failed. It is
// fatal to the whole run and surfaces before any send is attempted.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("SMTP connection failed to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if the error is a connection setup failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// DeliveryError represents a per-message delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		code := matches[1]
		// 5xx codes are permanent errors
		if strings.HasPrefix(code, "5") {
			return &DeliveryError{
				Temporary: false,
				Message:   msg,
			}
		}
		// 4xx codes are temporary errors
		if strings.HasPrefix(code, "4") {
			return &DeliveryError{
				Temporary: true,
				Message:   msg,
			}
		}
	}

	// Assume temporary by default
	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}
