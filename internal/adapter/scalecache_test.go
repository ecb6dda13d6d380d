package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleFromWidth(t *testing.T) {
	assert.Equal(t, scaleLowDensity, scaleFromWidth(750))
	assert.Equal(t, scaleLowDensity, scaleFromWidth(scaleWidthThreshold))
	assert.Equal(t, scaleHighDensity, scaleFromWidth(scaleWidthThreshold+1))
	assert.Equal(t, scaleHighDensity, scaleFromWidth(1170))
}

func TestScaleCacheGetSet(t *testing.T) {
	c := newScaleCache()
	_, ok := c.Get("udid-1")
	assert.False(t, ok)

	c.Set("udid-1", scaleHighDensity)
	scale, ok := c.Get("udid-1")
	require.True(t, ok)
	assert.Equal(t, scaleHighDensity, scale)
}

func TestScaleCacheExpires(t *testing.T) {
	c := newScaleCache()
	c.entries["udid-1"] = scaleEntry{scale: scaleHighDensity, expiresAt: time.Now().Add(-time.Second)}

	_, ok := c.Get("udid-1")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestScaleCacheInvalidate(t *testing.T) {
	c := newScaleCache()
	c.Set("udid-1", scaleHighDensity)
	c.Invalidate("udid-1")

	_, ok := c.Get("udid-1")
	assert.False(t, ok)
}
