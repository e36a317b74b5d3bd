// Package codec implements the DXT1 block-compressed texture format used
// to store assembled tiles: encoding from an in-memory image, decoding
// back to an image, and structural validation of DDS/PNG files.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
)

const (
	headerSize = 128
	magic      = "DDS "
	fourCC     = "DXT1"

	ddsHeaderLen = 124
	pfSize       = 32
	pfFlagFourCC = 0x4
	ddsCapsFlag  = 0x1000 // DDSCAPS_TEXTURE
)

// DDSHeader mirrors the 128-byte on-disk header layout.
type DDSHeader struct {
	Width, Height int
	Pitch         int
	MipMapCount   int
}

// blockSize is the number of bytes per 4x4 compressed block.
const blockSize = 8

// Encode compresses img into a complete DDS byte stream (header + blocks).
func Encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w%4 != 0 || h%4 != 0 {
		return nil, fmt.Errorf("codec: image dimensions %dx%d are not multiples of 4", w, h)
	}

	blocksX := w / 4
	blocksY := h / 4

	buf := make([]byte, headerSize+blocksX*blocksY*blockSize)
	writeHeader(buf, w, h)

	off := headerSize
	for by := 0; by < blocksY; by++ {
		for bx := 0; bx < blocksX; bx++ {
			var px [16]color.RGBA
			for j := 0; j < 4; j++ {
				for i := 0; i < 4; i++ {
					r, g, bl, a := img.At(b.Min.X+bx*4+i, b.Min.Y+by*4+j).RGBA()
					px[j*4+i] = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: uint8(a >> 8)}
				}
			}
			encodeBlock(buf[off:off+blockSize], px)
			off += blockSize
		}
	}
	return buf, nil
}

func writeHeader(buf []byte, w, h int) {
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], ddsHeaderLen)
	binary.LittleEndian.PutUint32(buf[8:12], 0x0002100F) // CAPS|HEIGHT|WIDTH|PITCH|PIXELFORMAT|MIPMAPCOUNT
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(w))
	pitch := (w / 4) * (h / 4) * blockSize
	binary.LittleEndian.PutUint32(buf[20:24], uint32(pitch))
	binary.LittleEndian.PutUint32(buf[24:28], 0) // depth
	binary.LittleEndian.PutUint32(buf[28:32], 1) // mip map count
	// bytes 32..75: 44 reserved bytes
	pfOff := 76
	binary.LittleEndian.PutUint32(buf[pfOff:pfOff+4], pfSize)
	binary.LittleEndian.PutUint32(buf[pfOff+4:pfOff+8], pfFlagFourCC)
	copy(buf[pfOff+8:pfOff+12], fourCC)
	// remaining pixel format fields left zero (bit masks unused for FourCC)
	capsOff := pfOff + pfSize // 108
	binary.LittleEndian.PutUint32(buf[capsOff:capsOff+4], ddsCapsFlag)
	// caps2/3/4 + reserved2 left zero, total header ends at 128
}

// rgb565 packs an 8-bit RGB triple into a 16-bit 5-6-5 value.
func rgb565(c color.RGBA) uint16 {
	r := uint16(c.R) >> 3
	g := uint16(c.G) >> 2
	b := uint16(c.B) >> 3
	return (r << 11) | (g << 5) | b
}

func unpack565(v uint16) color.RGBA {
	r := uint8((v >> 11) & 0x1F)
	g := uint8((v >> 5) & 0x3F)
	b := uint8(v & 0x1F)
	return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 255}
}

// encodeBlock takes the per-channel minimum and maximum over the 16
// pixels as the two endpoint colors, then assigns each pixel to its
// nearest palette entry and packs the 32-bit selector word. The
// endpoints are not searched for the pair with the lowest MSE.
func encodeBlock(dst []byte, px [16]color.RGBA) {
	var minC, maxC color.RGBA
	minC = color.RGBA{R: 255, G: 255, B: 255, A: 255}

	hasAlpha := false
	for _, p := range px {
		if p.A < 128 {
			hasAlpha = true
		}
		if p.R < minC.R {
			minC.R = p.R
		}
		if p.G < minC.G {
			minC.G = p.G
		}
		if p.B < minC.B {
			minC.B = p.B
		}
		if p.R > maxC.R {
			maxC.R = p.R
		}
		if p.G > maxC.G {
			maxC.G = p.G
		}
		if p.B > maxC.B {
			maxC.B = p.B
		}
	}

	c0 := rgb565(maxC)
	c1 := rgb565(minC)

	if hasAlpha && c0 > c1 {
		// 1-bit alpha mode requires c0<=c1; swap to keep the darker/lighter
		// relationship but select the transparent-capable palette.
		c0, c1 = c1, c0
	} else if !hasAlpha && c0 == c1 {
		// Force palette-index variety for flat blocks by nudging c0 up one
		// step so the opaque 4-color path still has two distinct endpoints.
		if c0 < 0xFFFF {
			c0++
		}
	} else if !hasAlpha && c0 < c1 {
		c0, c1 = c1, c0
	}

	binary.LittleEndian.PutUint16(dst[0:2], c0)
	binary.LittleEndian.PutUint16(dst[2:4], c1)

	palette := buildPalette(c0, c1)

	var indices uint32
	for i := 15; i >= 0; i-- {
		idx := nearestPaletteIndex(palette, px[i], hasAlpha && c0 <= c1)
		indices = (indices << 2) | uint32(idx)
	}
	binary.LittleEndian.PutUint32(dst[4:8], indices)
}

type paletteEntry struct {
	c           color.RGBA
	transparent bool
}

// buildPalette implements the DXT1 4-entry palette rule: if
// c0>c1, an opaque 4-color ramp; otherwise a 3-color ramp plus
// transparent.
func buildPalette(c0, c1 uint16) [4]paletteEntry {
	e0 := unpack565(c0)
	e1 := unpack565(c1)

	var p [4]paletteEntry
	p[0] = paletteEntry{c: e0}
	p[1] = paletteEntry{c: e1}

	if c0 > c1 {
		p[2] = paletteEntry{c: lerp(e0, e1, 2, 3)}
		p[3] = paletteEntry{c: lerp(e0, e1, 1, 3)}
	} else {
		p[2] = paletteEntry{c: lerp(e0, e1, 1, 2)}
		p[3] = paletteEntry{c: color.RGBA{}, transparent: true}
	}
	return p
}

func lerp(a, b color.RGBA, wa, denom int) color.RGBA {
	wb := denom - wa
	return color.RGBA{
		R: uint8((int(a.R)*wa + int(b.R)*wb) / denom),
		G: uint8((int(a.G)*wa + int(b.G)*wb) / denom),
		B: uint8((int(a.B)*wa + int(b.B)*wb) / denom),
		A: 255,
	}
}

func nearestPaletteIndex(palette [4]paletteEntry, px color.RGBA, allowTransparent bool) int {
	if allowTransparent && px.A < 128 {
		return 3
	}
	best := 0
	bestDist := int64(1) << 62
	for i, p := range palette {
		if p.transparent {
			continue
		}
		dr := int64(p.c.R) - int64(px.R)
		dg := int64(p.c.G) - int64(px.G)
		db := int64(p.c.B) - int64(px.B)
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// Decode reads a DDS file from path and returns the decompressed image.
func Decode(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// DecodeBytes decompresses an in-memory DDS byte stream.
func DecodeBytes(data []byte) (image.Image, error) {
	if err := validateBytes(data); err != nil {
		return nil, err
	}

	h := int(binary.LittleEndian.Uint32(data[12:16]))
	w := int(binary.LittleEndian.Uint32(data[16:20]))

	img := image.NewRGBA(image.Rect(0, 0, w, h))

	blocksX := w / 4
	blocksY := h / 4
	off := headerSize
	for by := 0; by < blocksY; by++ {
		for bx := 0; bx < blocksX; bx++ {
			block := data[off : off+blockSize]
			decodeBlock(img, bx*4, by*4, block)
			off += blockSize
		}
	}
	return img, nil
}

func decodeBlock(img *image.RGBA, x0, y0 int, block []byte) {
	c0 := binary.LittleEndian.Uint16(block[0:2])
	c1 := binary.LittleEndian.Uint16(block[2:4])
	indices := binary.LittleEndian.Uint32(block[4:8])

	palette := buildPalette(c0, c1)

	for i := 0; i < 16; i++ {
		idx := (indices >> (uint(i) * 2)) & 0x3
		p := palette[idx]
		c := p.c
		if p.transparent {
			c = color.RGBA{A: 0}
		}
		x := x0 + i%4
		y := y0 + i/4
		img.SetRGBA(x, y, c)
	}
}

// Validate checks a DDS file's magic, dimensions and total length.
func Validate(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return validateBytes(data) == nil
}

func validateBytes(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("codec: file too short for DDS header")
	}
	if string(data[0:4]) != magic {
		return fmt.Errorf("codec: bad magic")
	}
	h := int(binary.LittleEndian.Uint32(data[12:16]))
	w := int(binary.LittleEndian.Uint32(data[16:20]))
	if w <= 0 || h <= 0 || w%4 != 0 || h%4 != 0 {
		return fmt.Errorf("codec: invalid dimensions %dx%d", w, h)
	}
	want := headerSize + (w/4)*(h/4)*blockSize
	if len(data) != want {
		return fmt.Errorf("codec: length %d != expected %d", len(data), want)
	}
	return nil
}

// Convert reads a PNG at pngPath, encodes it to DXT1 and writes the
// result to ddsPath.
func Convert(pngPath, ddsPath string) error {
	f, err := os.Open(pngPath)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return err
	}
	return ConvertImage(img, ddsPath)
}

// ConvertImage encodes an in-memory image to DXT1 and writes it to ddsPath.
func ConvertImage(img image.Image, ddsPath string) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}
	return os.WriteFile(ddsPath, data, 0o644)
}

// ToPNG decodes a DDS file and re-encodes it as PNG bytes, used by the
// HTTP control plane's fast preview transcode.
func ToPNG(ddsPath string) ([]byte, error) {
	img, err := Decode(ddsPath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNGSignatureValid checks the 8-byte PNG signature and the IHDR chunk
// that must immediately follow it.
func PNGSignatureValid(r io.Reader) bool {
	head := make([]byte, 24)
	n, err := io.ReadFull(r, head)
	if err != nil || n < 24 {
		return false
	}
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	if !bytes.Equal(head[:8], sig) {
		return false
	}
	ihdrLen := binary.BigEndian.Uint32(head[8:12])
	if ihdrLen != 13 {
		return false
	}
	if string(head[12:16]) != "IHDR" {
		return false
	}
	return true
}

// PNGDimensions reads width/height from an IHDR-valid PNG file for cache
// rebuild purposes (C3).
func PNGDimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// DDSDimensions reads width/height from a DDS header without decoding
// pixel data, for cache rebuild purposes (C3).
func DDSDimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	head := make([]byte, headerSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return 0, 0, err
	}
	if string(head[0:4]) != magic {
		return 0, 0, fmt.Errorf("codec: bad magic")
	}
	h := int(binary.LittleEndian.Uint32(head[12:16]))
	w := int(binary.LittleEndian.Uint32(head[16:20]))
	return w, h, nil
}
