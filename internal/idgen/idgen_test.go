package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	assert.True(t, Valid(a))
	assert.Len(t, a, 36)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("iv_")
	assert.True(t, strings.HasPrefix(id, "iv_"))
	assert.Len(t, id, 3+32)
	assert.NotContains(t, id[3:], "-")
	assert.True(t, Valid(id[3:]))
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(""))
}
