// Package geometry resolves the footprint a source image is painted at and
// the size of the surface it is painted on.
package geometry

import "math"

type Geometry struct {
	DrawWidth    float64 `json:"draw_width"`
	DrawHeight   float64 `json:"draw_height"`
	OutputWidth  float64 `json:"output_width"`
	OutputHeight float64 `json:"output_height"`
	Rotated      bool    `json:"rotated"`
}

// Resolve applies scale, then the width cap, then the height cap against the
// already corrected height. The caps are sequential: an image over both caps
// can end up smaller than either cap alone requires. Output dimensions are
// the draw dimensions, transposed when rotation is an odd multiple of 90.
func Resolve(sourceWidth, sourceHeight int, scale float64, maxWidth, maxHeight int, rotation int) Geometry {
	drawWidth := float64(sourceWidth) * scale
	drawHeight := float64(sourceHeight) * scale

	if mw := float64(maxWidth); drawWidth > mw {
		ratio := mw / drawWidth
		drawWidth = mw
		drawHeight *= ratio
	}
	if mh := float64(maxHeight); drawHeight > mh {
		ratio := mh / drawHeight
		drawHeight = mh
		drawWidth *= ratio
	}

	g := Geometry{
		DrawWidth:    drawWidth,
		DrawHeight:   drawHeight,
		OutputWidth:  drawWidth,
		OutputHeight: drawHeight,
		Rotated:      rotation%180 != 0,
	}
	if g.Rotated {
		g.OutputWidth, g.OutputHeight = drawHeight, drawWidth
	}
	return g
}

// SurfaceSize is the integral pixel size of the render target. Fractional
// dimensions truncate toward zero, as a canvas size assignment does. Never
// below 1x1.
func (g Geometry) SurfaceSize() (width, height int) {
	return pixels(g.OutputWidth), pixels(g.OutputHeight)
}

func pixels(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 1
	}
	n := int(v)
	if n < 1 {
		return 1
	}
	return n
}
