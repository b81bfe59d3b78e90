//go:build !cgo

package pipeline

import (
	"fmt"
	"image"
)

func encodeWebP(image.Image, int) ([]byte, error) {
	return nil, fmt.Errorf("%w: webp export requires cgo", ErrFormatUnavailable)
}
