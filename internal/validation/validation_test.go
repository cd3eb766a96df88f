package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.Required("name", "")
	v.Positive("count", -1)
	v.OneOf("layer", "middle", []string{"top", "mid", "bottom"})

	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 3)

	err := v.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name: is required")
	assert.Contains(t, err.Error(), "layer: must be one of: top, mid, bottom")
}

func TestValidatorCleanReturnsNil(t *testing.T) {
	v := NewValidator()
	v.Required("name", "analyst")
	v.Positive("count", 3)
	v.OneOf("layer", "mid", []string{"top", "mid", "bottom"})

	assert.False(t, v.HasErrors())
	assert.NoError(t, v.Err())
}

func TestCounts(t *testing.T) {
	v := NewValidator()
	v.ExactCount("top", 2, 3)
	v.CountBetween("mid", 7, 2, 5)
	v.CountBetween("bottom", 3, 1, 50)

	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 2)
	assert.Contains(t, v.Errors().Error(), "exactly 3 entries")
	assert.Contains(t, v.Errors().Error(), "between 2 and 5")
}

func TestContains(t *testing.T) {
	v := NewValidator()
	v.Contains("capabilities", []string{"plan", "delegate"}, "arbitrate")
	require.True(t, v.HasErrors())
	assert.Contains(t, v.Errors()[0].Message, `"arbitrate"`)

	v2 := NewValidator()
	v2.Contains("capabilities", []string{"plan", "arbitrate"}, "arbitrate")
	assert.False(t, v2.HasErrors())
}

func TestUnique(t *testing.T) {
	v := NewValidator()
	v.Unique("domains", []string{"backend", "frontend", "backend"})
	require.True(t, v.HasErrors())
	assert.Contains(t, v.Errors()[0].Message, `"backend"`)

	v2 := NewValidator()
	v2.Unique("domains", []string{"backend", "frontend"})
	assert.False(t, v2.HasErrors())
}

func TestIdentifier(t *testing.T) {
	valid := []string{"top-1", "mid_coordinator", "agentX9"}
	for _, id := range valid {
		v := NewValidator()
		v.Identifier("id", id)
		assert.False(t, v.HasErrors(), "expected %q to be valid", id)
	}

	invalid := []string{"", "1agent", "agent!", "a b"}
	for _, id := range invalid {
		v := NewValidator()
		v.Identifier("id", id)
		assert.True(t, v.HasErrors(), "expected %q to be invalid", id)
	}
}

func TestUUID(t *testing.T) {
	v := NewValidator()
	v.UUID("id", "not-a-uuid")
	assert.True(t, v.HasErrors())

	v2 := NewValidator()
	v2.UUID("id", "a2f0bd6e-52cc-4d17-8f1c-3f9ab5f72f01")
	assert.False(t, v2.HasErrors())
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "hello", SanitizeInput("  hello\x00  "))

	long := strings.Repeat("x", 20000)
	assert.Len(t, SanitizeInput(long), 10000)
}
