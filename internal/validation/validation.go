// Package validation provides input validation helpers and middleware for
// the nudge API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 1000

// MaxUserIDLength bounds user and record identifiers.
const MaxUserIDLength = 128

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks an externally supplied user identifier.
func IsValidUserID(id string) bool {
	return len(id) <= MaxUserIDLength && userIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
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

// Validate runs every validator and collects the failures.
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

// ValidUserID checks the identifier format. Empty values pass; combine
// with Required when the field is mandatory.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidUserID(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, and _.:@-"}
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

// OneOf checks that a non-empty value is in the allowed set.
func OneOf[T ~string](field string, value T, allowed ...T) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		parts := make([]string, len(allowed))
		for i, a := range allowed {
			parts[i] = string(a)
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(parts, ", ")}
	}
}

// NonNegative checks a counter field.
func NonNegative(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// FiniteAmount rejects NaN, infinities and zero amounts.
func FiniteAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		if value == 0 {
			return &ValidationError{Field: field, Message: "must not be zero"}
		}
		return nil
	}
}

// UserIDParamMiddleware rejects malformed :id URL parameters early.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-128 characters of letters, digits, and _.:@-",
			})
			return
		}
		c.Next()
	}
}
