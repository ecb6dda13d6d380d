package adapter

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderImageIsValidPNG(t *testing.T) {
	data := placeholderImage("iPhone 13", "iPhone13,2")

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 568, img.Bounds().Dy())
}

func TestPlaceholderImageCarriesDeviceMetadata(t *testing.T) {
	data := placeholderImage("iPhone 13", "iPhone13,2")

	assert.Contains(t, string(data), "Device")
	assert.Contains(t, string(data), "iPhone 13 (iPhone13,2)")
}

func TestInsertPNGTextChunkLeavesMalformedDataUnchanged(t *testing.T) {
	notAPNG := []byte("not a png at all")
	assert.Equal(t, notAPNG, insertPNGTextChunk(notAPNG, "Device", "x"))
}
