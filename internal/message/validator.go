package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxBodyBytes = 4096 // 4KB, one WebSocket frame
	DefaultMaxBodyChars = 2000
)

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body is too long")
	ErrInvalidUTF8 = errors.New("message body contains invalid UTF-8")
)

// Limits bounds the size of a message body.
type Limits struct {
	MaxChars int
	MaxBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxChars: DefaultMaxBodyChars, MaxBytes: DefaultMaxBodyBytes}
}

// ValidateBody checks that a message body meets content requirements. A body
// made only of whitespace counts as empty.
func ValidateBody(body string, limits Limits) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if !utf8.ValidString(body) {
		return ErrInvalidUTF8
	}
	if limits.MaxBytes > 0 && len(body) > limits.MaxBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrBodyTooLong, limits.MaxBytes)
	}
	if limits.MaxChars > 0 && utf8.RuneCountInString(body) > limits.MaxChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrBodyTooLong, limits.MaxChars)
	}
	return nil
}
