package validation

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"user_123", true},
		{"auth0|abc", false},
		{"tenant:42", true},
		{"a.b@example.com", true},
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxUserIDLength), true},
		{strings.Repeat("a", MaxUserIDLength+1), false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidUserID(tc.id), "IsValidUserID(%q)", tc.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidUserID("userId", "bad id"),
		MaxLength("note", "abcdef", 3),
		OneOf("response", "clicked", "viewed", "dismissed"),
		NonNegative("lockedFeatureTaps", -1),
		FiniteAmount("amount", math.NaN()),
	)
	require.Len(t, errs, 6)
	assert.Equal(t, "userId: is required", errs.Error())
	assert.Equal(t, "response", errs[3].Field)
	assert.Contains(t, errs[3].Message, "viewed, dismissed")

	assert.Empty(t, Validate(
		Required("userId", "alice"),
		ValidUserID("userId", "alice"),
		OneOf("response", "", "viewed"),
		NonNegative("n", 0),
		FiniteAmount("amount", -4.5),
	))
}

func TestFiniteAmount(t *testing.T) {
	assert.NotNil(t, FiniteAmount("amount", 0)())
	assert.NotNil(t, FiniteAmount("amount", math.Inf(1))())
	assert.Nil(t, FiniteAmount("amount", 12.5)())
}

func TestValidationErrors_Empty(t *testing.T) {
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestUserIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(UserIDParamMiddleware())
	r.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/alice", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/bad%3Bid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_user_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", bytes.NewBufferString("tiny")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", bytes.NewBufferString("far too large a body")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
