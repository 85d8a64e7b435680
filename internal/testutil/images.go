package testutil

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/courtside/photodesk/internal/models"
)

// GradientImage returns a w×h image with smooth colour ramps. It compresses
// well.
func GradientImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// NoiseImage returns a w×h image of random pixels. It compresses badly, so
// it is useful for exercising byte budgets.
func NoiseImage(w, h int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// EncodeJPEG encodes img at quality.
func EncodeJPEG(t testing.TB, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encoding jpeg fixture: %v", err)
	}
	return buf.Bytes()
}

// EncodePNG encodes img losslessly.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png fixture: %v", err)
	}
	return buf.Bytes()
}

// SmallJPEG returns a w×h gradient JPEG as a SourceFile.
func SmallJPEG(t testing.TB, name string, w, h int) models.SourceFile {
	t.Helper()
	return models.NewSourceFile(name, EncodeJPEG(t, GradientImage(w, h), 85))
}

// InvalidImage returns bytes that no image decoder accepts.
func InvalidImage(name string) models.SourceFile {
	return models.NewSourceFile(name, []byte("this is not an image"))
}

// OversizeFile returns a SourceFile claiming size bytes. Only the size is
// inspected before such a file is rejected, so no data is attached.
func OversizeFile(name string, size int64) models.SourceFile {
	return models.SourceFile{Name: name, Size: size}
}

// PNGHeader returns the signature and header chunk of a w×h 8-bit grayscale
// PNG with no pixel data. Decoders report its dimensions but cannot decode
// it.
func PNGHeader(name string, w, h uint32) models.SourceFile {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth; colour type, compression, filter and interlace stay 0

	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))

	return models.NewSourceFile(name, buf.Bytes())
}
