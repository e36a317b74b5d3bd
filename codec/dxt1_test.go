package codec

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/4+y/4)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 0, G: 0, B: 255, A: 255})
			}
		}
	}
	return img
}

// DXT1 round trip: encoded output validates, has the exact expected
// length, and decodes back to the source colors for uniform blocks.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := checkerboard(16, 16)

	data, err := Encode(img)
	require.NoError(t, err)

	wantLen := headerSize + (16/4)*(16/4)*blockSize
	assert.Equal(t, wantLen, len(data))

	require.NoError(t, validateBytes(data))

	decoded, err := DecodeBytes(data)
	require.NoError(t, err)

	b := decoded.Bounds()
	assert.Equal(t, 16, b.Dx())
	assert.Equal(t, 16, b.Dy())

	// Flat 4x4 blocks of solid color should round-trip exactly: each
	// block here is uniform, so palette quantization introduces no error.
	r, g, bl, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, uint32(255*257), r)
	assert.Equal(t, uint32(0), g)
	assert.Equal(t, uint32(0), bl)
}

func TestEncodeRejectsNonMultipleOf4(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 5, 8))
	_, err := Encode(img)
	assert.Error(t, err)
}

func TestValidateRejectsWrongLength(t *testing.T) {
	img := checkerboard(8, 8)
	data, err := Encode(img)
	require.NoError(t, err)

	truncated := data[:len(data)-1]
	assert.Error(t, validateBytes(truncated))
}

func TestConvertRoundTripFile(t *testing.T) {
	dir := t.TempDir()
	ddsPath := filepath.Join(dir, "t.dds")

	img := checkerboard(8, 8)
	require.NoError(t, ConvertImage(img, ddsPath))

	assert.True(t, Validate(ddsPath))

	w, h, err := DDSDimensions(ddsPath)
	require.NoError(t, err)
	assert.Equal(t, 8, w)
	assert.Equal(t, 8, h)

	pngBytes, err := ToPNG(ddsPath)
	require.NoError(t, err)
	assert.True(t, PNGSignatureValid(newReader(pngBytes)))
}

func newReader(b []byte) *byteReader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, os.ErrClosed
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

func TestPNGSignatureValid(t *testing.T) {
	good := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R', 0, 0, 0, 0, 0, 0, 0, 0}
	assert.True(t, PNGSignatureValid(newReader(good)))

	bad := append([]byte{}, good...)
	bad[0] = 0
	assert.False(t, PNGSignatureValid(newReader(bad)))
}
