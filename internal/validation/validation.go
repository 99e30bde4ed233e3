// Package validation provides request validation helpers for the directory API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// MaxProtocols caps the number of declared protocols per agent.
const MaxProtocols = 16

// Handles are lowercase slugs: 2-64 chars, letters, digits and inner hyphens.
var handleRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidHandle checks an already-normalized handle.
func IsValidHandle(handle string) bool {
	return handleRegex.MatchString(handle)
}

// NormalizeHandle trims and lowercases a handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// SanitizeString trims whitespace, drops NUL bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidHandle checks the handle format. Empty passes; pair with Required.
func ValidHandle(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHandle(NormalizeHandle(value)) {
			return &ValidationError{Field: field, Message: "must be 2-64 lowercase letters, digits or hyphens"}
		}
		return nil
	}
}

// ValidEndpoint applies check (typically an outbound endpoint policy) to a
// non-empty URL.
func ValidEndpoint(field, value string, check func(string) error) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || check == nil {
			return nil
		}
		if err := check(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// ValidProtocols bounds the declared protocol list.
func ValidProtocols(field string, protocols []string) func() *ValidationError {
	return func() *ValidationError {
		if len(protocols) > MaxProtocols {
			return &ValidationError{Field: field, Message: "too many protocols"}
		}
		for _, p := range protocols {
			if len(p) > 64 {
				return &ValidationError{Field: field, Message: "protocol name exceeds maximum length"}
			}
		}
		return nil
	}
}

// InRange checks lo <= value <= hi.
func InRange(field string, value, lo, hi float64) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// HandleParamMiddleware rejects malformed :handle URL parameters early.
func HandleParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := c.Param("handle")
		if handle != "" && !IsValidHandle(NormalizeHandle(handle)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_handle",
				"message": "handle must be 2-64 lowercase letters, digits or hyphens",
			})
			return
		}
		c.Next()
	}
}
