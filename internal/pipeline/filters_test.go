package pipeline

import (
	"math"
	"testing"

	"github.com/dunamismax/optipix/internal/domain"
)

func TestFilterStackSkipsIdentityValues(t *testing.T) {
	if got := filterStack(domain.DefaultAdjustments()); len(got) != 0 {
		t.Fatalf("expected empty stack for defaults, got %d filters", len(got))
	}

	adj := domain.DefaultAdjustments()
	adj.Brightness = 120
	adj.Blur = 2
	if got := filterStack(adj); len(got) != 2 {
		t.Fatalf("expected brightness and blur, got %d filters", len(got))
	}

	adj = domain.Adjustments{Brightness: 50, Contrast: 50, Saturation: 50, Blur: 1}
	if got := filterStack(adj); len(got) != 4 {
		t.Fatalf("expected four filters, got %d", len(got))
	}
}

func TestColorFuncs(t *testing.T) {
	cases := []struct {
		name string
		fn   colorFunc
		in   [3]float32
		want [3]float32
	}{
		{"brightness half", brightnessFunc(0.5), [3]float32{1, 0.5, 0.2}, [3]float32{0.5, 0.25, 0.1}},
		{"brightness clamps", brightnessFunc(2), [3]float32{0.8, 0.2, 0}, [3]float32{1, 0.4, 0}},
		{"brightness identity", brightnessFunc(1), [3]float32{0.3, 0.6, 0.9}, [3]float32{0.3, 0.6, 0.9}},
		{"contrast zero is grey", contrastFunc(0), [3]float32{1, 0, 0.3}, [3]float32{0.5, 0.5, 0.5}},
		{"contrast double", contrastFunc(2), [3]float32{0.75, 0.25, 0.5}, [3]float32{1, 0, 0.5}},
		{"saturate zero is luma", saturateFunc(0), [3]float32{1, 0, 0}, [3]float32{lumR, lumR, lumR}},
		{"saturate identity", saturateFunc(1), [3]float32{0.1, 0.5, 0.9}, [3]float32{0.1, 0.5, 0.9}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, g, b, a := tc.fn(tc.in[0], tc.in[1], tc.in[2], 0.7)
			got := [3]float32{r, g, b}
			for i := range got {
				if math.Abs(float64(got[i]-tc.want[i])) > 1e-5 {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
			if a != 0.7 {
				t.Fatalf("expected alpha untouched, got %v", a)
			}
		})
	}
}
