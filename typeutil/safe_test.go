package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeString(t *testing.T) {
	s, ok := SafeString("hello")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	_, ok = SafeString(42)
	assert.False(t, ok)

	_, ok = SafeString(nil)
	assert.False(t, ok)

	assert.Equal(t, "fallback", SafeStringDefault(nil, "fallback"))
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{float32(2), 2, true},
		{int(3), 3, true},
		{int64(4), 4, true},
		{uint16(5), 5, true},
		{true, 1, true},
		{false, 0, true},
		{"nope", 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		got, ok := SafeFloat64(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		if ok {
			assert.Equal(t, tt.want, got, "%v", tt.in)
		}
	}

	assert.Equal(t, 9.0, SafeFloat64Default("x", 9.0))
}

func TestSafeBool(t *testing.T) {
	b, ok := SafeBool(true)
	assert.True(t, ok)
	assert.True(t, b)

	b, ok = SafeBool(0.0)
	assert.True(t, ok)
	assert.False(t, b)

	b, ok = SafeBool(1)
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = SafeBool("true")
	assert.False(t, ok)
}

func TestSafeMapStringAny(t *testing.T) {
	m, ok := SafeMapStringAny(map[string]any{"k": 1})
	assert.True(t, ok)
	assert.Len(t, m, 1)

	_, ok = SafeMapStringAny([]string{"k"})
	assert.False(t, ok)
}
