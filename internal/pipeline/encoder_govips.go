//go:build govips && cgo

package pipeline

import (
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/optipix/internal/domain"
)

// govipsEncoder hands the rendered frame to libvips as lossless PNG and
// exports it from there.
type govipsEncoder struct{}

func (govipsEncoder) Encode(img image.Image, format domain.Format, quality int) ([]byte, error) {
	raw, err := stdlibEncoder{}.Encode(img, domain.FormatPNG, 0)
	if err != nil {
		return nil, fmt.Errorf("stage frame for libvips: %w", err)
	}
	if format == domain.FormatPNG {
		return raw, nil
	}

	ref, err := vips.NewImageFromBuffer(raw)
	if err != nil {
		return nil, fmt.Errorf("load frame into libvips: %w", err)
	}
	defer ref.Close()

	return exportGovipsImage(ref, format, quality)
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatWEBP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
