package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/optipix/internal/domain"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrDecode            = errors.New("decode image")
	ErrFormatUnavailable = errors.New("export format unavailable")
)

// Encoder re-encodes a rendered frame. Quality is on the 1..100 scale and is
// ignored by formats without a lossy mode.
type Encoder interface {
	Encode(img image.Image, format domain.Format, quality int) ([]byte, error)
}

// NewEncoder returns the encoder selected at build time.
func NewEncoder() Encoder {
	return newEncoder()
}

// Decode rasterizes an uploaded file and reports the codec name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

type stdlibEncoder struct{}

func (stdlibEncoder) Encode(img image.Image, format domain.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case domain.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatWEBP:
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		return encodeWebP(img, quality)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}
