package pipeline

import (
	"image"
	"math"

	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/geometry"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// matrix is the current transform, mapping source space to surface space.
// Like a 2D canvas context, each operation post-multiplies, so the last
// operation applied is the first one a point goes through.
type matrix f64.Aff3

func identityMatrix() matrix {
	return matrix{1, 0, 0, 0, 1, 0}
}

func (m matrix) mul(o matrix) matrix {
	return matrix{
		m[0]*o[0] + m[1]*o[3],
		m[0]*o[1] + m[1]*o[4],
		m[0]*o[2] + m[1]*o[5] + m[2],
		m[3]*o[0] + m[4]*o[3],
		m[3]*o[1] + m[4]*o[4],
		m[3]*o[2] + m[4]*o[5] + m[5],
	}
}

func (m matrix) translate(x, y float64) matrix {
	return m.mul(matrix{1, 0, x, 0, 1, y})
}

// rotate turns clockwise for positive degrees in y-down surface space.
func (m matrix) rotate(degrees float64) matrix {
	sin, cos := sinCosDegrees(degrees)
	return m.mul(matrix{cos, -sin, 0, sin, cos, 0})
}

func (m matrix) scale(x, y float64) matrix {
	return m.mul(matrix{x, 0, 0, 0, y, 0})
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// pixelAligned reports whether m maps whole pixels onto whole pixels, which
// holds for unit scale, quarter-turn rotations, flips and integer offsets.
func (m matrix) pixelAligned() bool {
	for _, i := range []int{0, 1, 3, 4} {
		if m[i] != 0 && m[i] != 1 && m[i] != -1 {
			return false
		}
	}
	return m[2] == math.Trunc(m[2]) && m[5] == math.Trunc(m[5])
}

// sinCosDegrees is exact for multiples of 90 so quarter turns stay integral.
func sinCosDegrees(degrees float64) (sin, cos float64) {
	if d := math.Mod(degrees, 360); d == math.Trunc(d) && int(d)%90 == 0 {
		switch (int(d) + 360) % 360 {
		case 0:
			return 0, 1
		case 90:
			return 1, 0
		case 180:
			return 0, -1
		default:
			return -1, 0
		}
	}
	return math.Sincos(degrees * math.Pi / 180)
}

// drawMatrix composes centre translate, rotation and flips, then places the
// source rectangle at (-drawWidth/2, -drawHeight/2) with size drawWidth x drawHeight.
func drawMatrix(adj domain.Adjustments, g geometry.Geometry, src image.Rectangle, surfaceWidth, surfaceHeight int) matrix {
	flipX, flipY := 1.0, 1.0
	if adj.FlipHorizontal {
		flipX = -1
	}
	if adj.FlipVertical {
		flipY = -1
	}

	return identityMatrix().
		translate(float64(surfaceWidth)/2, float64(surfaceHeight)/2).
		rotate(float64(adj.Rotation)).
		scale(flipX, flipY).
		translate(-g.DrawWidth/2, -g.DrawHeight/2).
		scale(g.DrawWidth/float64(src.Dx()), g.DrawHeight/float64(src.Dy())).
		translate(-float64(src.Min.X), -float64(src.Min.Y))
}

func interpolatorFor(m matrix) xdraw.Transformer {
	if m.pixelAligned() {
		return xdraw.NearestNeighbor
	}
	return xdraw.CatmullRom
}
