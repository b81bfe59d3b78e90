package domain

import (
	"errors"
	"testing"
)

func TestDefaults(t *testing.T) {
	adj := DefaultAdjustments()
	if adj.Brightness != 100 || adj.Contrast != 100 || adj.Saturation != 100 {
		t.Fatalf("expected percent filters at 100, got %+v", adj)
	}
	if adj.Blur != 0 || adj.Rotation != 0 || adj.FlipHorizontal || adj.FlipVertical {
		t.Fatalf("expected identity transform defaults, got %+v", adj)
	}

	exp := DefaultExportSettings()
	want := ExportSettings{Quality: 0.8, Format: FormatJPEG, MaxWidth: 1920, MaxHeight: 1080, Scale: 1.0}
	if exp != want {
		t.Fatalf("expected %+v, got %+v", want, exp)
	}
}

func TestAdjustmentsClampedPullsToNearestBound(t *testing.T) {
	got := Adjustments{Brightness: -5, Contrast: 250, Saturation: 150, Blur: 40, Rotation: 450}.Clamped()
	if got.Brightness != 0 {
		t.Fatalf("expected brightness 0, got %v", got.Brightness)
	}
	if got.Contrast != 200 {
		t.Fatalf("expected contrast 200, got %v", got.Contrast)
	}
	if got.Saturation != 150 {
		t.Fatalf("expected saturation untouched, got %v", got.Saturation)
	}
	if got.Blur != 20 {
		t.Fatalf("expected blur 20, got %v", got.Blur)
	}
	if got.Rotation != 450 {
		t.Fatalf("expected rotation to stay accumulated, got %d", got.Rotation)
	}
}

func TestExportSettingsClamped(t *testing.T) {
	got := ExportSettings{Quality: 0, Format: "image/gif", MaxWidth: 0, MaxHeight: -3, Scale: 4}.Clamped()
	if got.Quality != MinQuality {
		t.Fatalf("expected quality %v, got %v", MinQuality, got.Quality)
	}
	if got.Scale != MaxScale {
		t.Fatalf("expected scale %v, got %v", MaxScale, got.Scale)
	}
	if got.MaxWidth != 1 || got.MaxHeight != 1 {
		t.Fatalf("expected caps clamped to 1, got %dx%d", got.MaxWidth, got.MaxHeight)
	}
	if got.Format != FormatJPEG {
		t.Fatalf("expected invalid format to fall back to jpeg, got %s", got.Format)
	}

	if q := (ExportSettings{Quality: 0.8}).EncoderQuality(); q != 80 {
		t.Fatalf("expected encoder quality 80, got %d", q)
	}
}

func TestRotateAccumulates(t *testing.T) {
	adj := DefaultAdjustments()
	var err error
	for i := 0; i < 5; i++ {
		adj, err = adj.Rotate(RotateRight)
		if err != nil {
			t.Fatalf("rotate right: %v", err)
		}
	}
	if adj.Rotation != 450 {
		t.Fatalf("expected 450, got %d", adj.Rotation)
	}
	if adj.NormalizedRotation() != 90 {
		t.Fatalf("expected normalized 90, got %d", adj.NormalizedRotation())
	}

	adj = DefaultAdjustments()
	adj, _ = adj.Rotate(RotateLeft)
	if adj.Rotation != -90 || adj.NormalizedRotation() != 270 {
		t.Fatalf("expected -90/270, got %d/%d", adj.Rotation, adj.NormalizedRotation())
	}

	if _, err := adj.Rotate("sideways"); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestFlipToggles(t *testing.T) {
	adj, err := DefaultAdjustments().Flip(AxisHorizontal)
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if !adj.FlipHorizontal || adj.FlipVertical {
		t.Fatalf("expected horizontal flip only, got %+v", adj)
	}
	adj, _ = adj.Flip(AxisHorizontal)
	if adj.FlipHorizontal {
		t.Fatal("expected second flip to toggle back")
	}
	if _, err := adj.Flip("diagonal"); !errors.Is(err, ErrUnknownAxis) {
		t.Fatalf("expected ErrUnknownAxis, got %v", err)
	}
}

func TestAdjustmentsApplyPatch(t *testing.T) {
	brightness := 300.0
	flip := true
	got := DefaultAdjustments().Apply(AdjustmentsPatch{Brightness: &brightness, FlipVertical: &flip})
	if got.Brightness != 200 {
		t.Fatalf("expected clamped brightness 200, got %v", got.Brightness)
	}
	if !got.FlipVertical {
		t.Fatal("expected vertical flip set")
	}
	if got.Contrast != 100 {
		t.Fatalf("expected contrast untouched, got %v", got.Contrast)
	}
}

func TestExportApplyPatch(t *testing.T) {
	format := "webp"
	scale := 0.5
	got, err := DefaultExportSettings().Apply(ExportPatch{Format: &format, Scale: &scale})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Format != FormatWEBP || got.Scale != 0.5 {
		t.Fatalf("unexpected settings %+v", got)
	}

	bad := "tiff"
	before := DefaultExportSettings()
	after, err := before.Apply(ExportPatch{Format: &bad, Scale: &scale})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if after != before {
		t.Fatalf("expected settings unchanged on error, got %+v", after)
	}
}

func TestFormatHelpers(t *testing.T) {
	cases := []struct {
		in       string
		format   Format
		ext      string
		lossy    bool
		download string
	}{
		{"jpg", FormatJPEG, "jpg", true, "optipix_edited.jpg"},
		{"JPEG", FormatJPEG, "jpg", true, "optipix_edited.jpg"},
		{"image/png", FormatPNG, "png", false, "optipix_edited.png"},
		{"webp", FormatWEBP, "webp", true, "optipix_edited.webp"},
	}
	for _, tc := range cases {
		f, err := ParseFormat(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if f != tc.format || f.Extension() != tc.ext || f.Lossy() != tc.lossy || DownloadName(f) != tc.download {
			t.Fatalf("unexpected helpers for %q: %s %s %v %s", tc.in, f, f.Extension(), f.Lossy(), DownloadName(f))
		}
	}
}

func TestValidateMediaType(t *testing.T) {
	if err := ValidateMediaType("image/heic"); err != nil {
		t.Fatalf("expected image/heic accepted, got %v", err)
	}
	if err := ValidateMediaType("application/pdf"); !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("expected ErrUnsupportedMediaType, got %v", err)
	}
	if err := ValidateMediaType(""); err == nil {
		t.Fatal("expected empty media type rejected")
	}
}
