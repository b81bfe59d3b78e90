package pipeline

import (
	"github.com/disintegration/gift"
	"github.com/dunamismax/optipix/internal/domain"
)

// Luma weights used by the CSS saturate() matrix.
const (
	lumR = 0.213
	lumG = 0.715
	lumB = 0.072
)

// filterStack builds brightness, contrast, saturate and blur in that order.
// Identity values add nothing, so a default Adjustments yields an empty list.
func filterStack(adj domain.Adjustments) []gift.Filter {
	var filters []gift.Filter
	if adj.Brightness != 100 {
		filters = append(filters, gift.ColorFunc(brightnessFunc(float32(adj.Brightness/100))))
	}
	if adj.Contrast != 100 {
		filters = append(filters, gift.ColorFunc(contrastFunc(float32(adj.Contrast/100))))
	}
	if adj.Saturation != 100 {
		filters = append(filters, gift.ColorFunc(saturateFunc(float32(adj.Saturation/100))))
	}
	if adj.Blur > 0 {
		filters = append(filters, gift.GaussianBlur(float32(adj.Blur)))
	}
	return filters
}

type colorFunc func(r, g, b, a float32) (float32, float32, float32, float32)

// brightnessFunc multiplies each colour channel; 0 is black, 1 identity.
func brightnessFunc(amount float32) colorFunc {
	return func(r, g, b, a float32) (float32, float32, float32, float32) {
		return unit(r * amount), unit(g * amount), unit(b * amount), a
	}
}

// contrastFunc scales each channel around mid grey; 0 is flat grey.
func contrastFunc(amount float32) colorFunc {
	return func(r, g, b, a float32) (float32, float32, float32, float32) {
		return unit((r-0.5)*amount + 0.5), unit((g-0.5)*amount + 0.5), unit((b-0.5)*amount + 0.5), a
	}
}

func saturateFunc(amount float32) colorFunc {
	inv := 1 - amount
	return func(r, g, b, a float32) (float32, float32, float32, float32) {
		r2 := (lumR+(1-lumR)*amount)*r + lumG*inv*g + lumB*inv*b
		g2 := lumR*inv*r + (lumG+(1-lumG)*amount)*g + lumB*inv*b
		b2 := lumR*inv*r + lumG*inv*g + (lumB+(1-lumB)*amount)*b
		return unit(r2), unit(g2), unit(b2), a
	}
}

func unit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
