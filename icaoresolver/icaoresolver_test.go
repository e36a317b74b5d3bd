package icaoresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveKnownCodeCaseInsensitive(t *testing.T) {
	r := New()

	lat, lon, ok := r.Resolve("lowi")
	assert.True(t, ok)
	assert.InDelta(t, 47.2602, lat, 1e-6)
	assert.InDelta(t, 11.3439, lon, 1e-6)
}

func TestResolveUnknownCode(t *testing.T) {
	r := New()

	_, _, ok := r.Resolve("ZZZZ")
	assert.False(t, ok)
}

func TestAddOverridesSeed(t *testing.T) {
	r := New()
	r.Add("LOWI", 1, 2)

	lat, lon, ok := r.Resolve("LOWI")
	assert.True(t, ok)
	assert.Equal(t, 1.0, lat)
	assert.Equal(t, 2.0, lon)
}
