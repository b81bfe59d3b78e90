package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const ToolName = "optipix"

const (
	MinPercent = 0
	MaxPercent = 200
	MinBlur    = 0
	MaxBlur    = 20

	MinQuality = 0.1
	MaxQuality = 1.0
	MinScale   = 0.01
	MaxScale   = 1.0
	MinMaxSide = 1

	RotationStep = 90
)

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrUnknownFormat        = errors.New("unknown export format")
	ErrUnknownDirection     = errors.New("unknown rotation direction")
	ErrUnknownAxis          = errors.New("unknown flip axis")
)

type Format string

const (
	FormatJPEG Format = "image/jpeg"
	FormatPNG  Format = "image/png"
	FormatWEBP Format = "image/webp"
)

// ParseFormat accepts a short name (jpeg, jpg, png, webp) or a MIME type.
func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "jpeg", "jpg", string(FormatJPEG):
		return FormatJPEG, nil
	case "png", string(FormatPNG):
		return FormatPNG, nil
	case "webp", string(FormatWEBP):
		return FormatWEBP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, in)
	}
}

func (f Format) ContentType() string {
	return string(f)
}

func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatWEBP:
		return "webp"
	default:
		return "png"
	}
}

// Lossy reports whether the encoder honours a quality setting.
func (f Format) Lossy() bool {
	return f == FormatJPEG || f == FormatWEBP
}

func (f Format) Valid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWEBP:
		return true
	default:
		return false
	}
}

// DownloadName is the file name an export is delivered under.
func DownloadName(f Format) string {
	return fmt.Sprintf("%s_edited.%s", ToolName, f.Extension())
}

// ValidateMediaType rejects uploads whose media type is not an image.
func ValidateMediaType(mediaType string) error {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if !strings.HasPrefix(mt, "image/") {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	return nil
}

type Adjustments struct {
	Brightness     float64 `json:"brightness"`
	Contrast       float64 `json:"contrast"`
	Saturation     float64 `json:"saturation"`
	Blur           float64 `json:"blur"`
	Rotation       int     `json:"rotation"`
	FlipHorizontal bool    `json:"flip_horizontal"`
	FlipVertical   bool    `json:"flip_vertical"`
}

func DefaultAdjustments() Adjustments {
	return Adjustments{
		Brightness: 100,
		Contrast:   100,
		Saturation: 100,
	}
}

// Clamped pulls every numeric field back into its declared range.
// Rotation is left as accumulated; consumers reduce it modulo 360.
func (a Adjustments) Clamped() Adjustments {
	a.Brightness = clampFloat(a.Brightness, MinPercent, MaxPercent)
	a.Contrast = clampFloat(a.Contrast, MinPercent, MaxPercent)
	a.Saturation = clampFloat(a.Saturation, MinPercent, MaxPercent)
	a.Blur = clampFloat(a.Blur, MinBlur, MaxBlur)
	return a
}

// NormalizedRotation reduces Rotation into [0, 360).
func (a Adjustments) NormalizedRotation() int {
	r := a.Rotation % 360
	if r < 0 {
		r += 360
	}
	return r
}

type Direction string

const (
	RotateLeft  Direction = "left"
	RotateRight Direction = "right"
)

// Rotate accumulates a quarter turn; right is clockwise.
func (a Adjustments) Rotate(d Direction) (Adjustments, error) {
	switch Direction(strings.ToLower(string(d))) {
	case RotateLeft:
		a.Rotation -= RotationStep
	case RotateRight:
		a.Rotation += RotationStep
	default:
		return a, fmt.Errorf("%w: %q", ErrUnknownDirection, d)
	}
	return a, nil
}

type Axis string

const (
	AxisHorizontal Axis = "horizontal"
	AxisVertical   Axis = "vertical"
)

func (a Adjustments) Flip(axis Axis) (Adjustments, error) {
	switch Axis(strings.ToLower(string(axis))) {
	case AxisHorizontal:
		a.FlipHorizontal = !a.FlipHorizontal
	case AxisVertical:
		a.FlipVertical = !a.FlipVertical
	default:
		return a, fmt.Errorf("%w: %q", ErrUnknownAxis, axis)
	}
	return a, nil
}

// AdjustmentsPatch is a partial update; nil fields keep their value.
type AdjustmentsPatch struct {
	Brightness     *float64 `json:"brightness,omitempty"`
	Contrast       *float64 `json:"contrast,omitempty"`
	Saturation     *float64 `json:"saturation,omitempty"`
	Blur           *float64 `json:"blur,omitempty"`
	Rotation       *int     `json:"rotation,omitempty"`
	FlipHorizontal *bool    `json:"flip_horizontal,omitempty"`
	FlipVertical   *bool    `json:"flip_vertical,omitempty"`
}

func (a Adjustments) Apply(p AdjustmentsPatch) Adjustments {
	if p.Brightness != nil {
		a.Brightness = *p.Brightness
	}
	if p.Contrast != nil {
		a.Contrast = *p.Contrast
	}
	if p.Saturation != nil {
		a.Saturation = *p.Saturation
	}
	if p.Blur != nil {
		a.Blur = *p.Blur
	}
	if p.Rotation != nil {
		a.Rotation = *p.Rotation
	}
	if p.FlipHorizontal != nil {
		a.FlipHorizontal = *p.FlipHorizontal
	}
	if p.FlipVertical != nil {
		a.FlipVertical = *p.FlipVertical
	}
	return a.Clamped()
}

type ExportSettings struct {
	Quality   float64 `json:"quality"`
	Format    Format  `json:"format"`
	MaxWidth  int     `json:"max_width"`
	MaxHeight int     `json:"max_height"`
	Scale     float64 `json:"scale"`
}

func DefaultExportSettings() ExportSettings {
	return ExportSettings{
		Quality:   0.8,
		Format:    FormatJPEG,
		MaxWidth:  1920,
		MaxHeight: 1080,
		Scale:     1.0,
	}
}

func (e ExportSettings) Clamped() ExportSettings {
	e.Quality = clampFloat(e.Quality, MinQuality, MaxQuality)
	e.Scale = clampFloat(e.Scale, MinScale, MaxScale)
	if e.MaxWidth < MinMaxSide {
		e.MaxWidth = MinMaxSide
	}
	if e.MaxHeight < MinMaxSide {
		e.MaxHeight = MinMaxSide
	}
	if !e.Format.Valid() {
		e.Format = FormatJPEG
	}
	return e
}

// EncoderQuality maps Quality onto the 1..100 scale encoders expect.
func (e ExportSettings) EncoderQuality() int {
	q := int(math.Round(clampFloat(e.Quality, MinQuality, MaxQuality) * 100))
	if q < 1 {
		q = 1
	}
	return q
}

type ExportPatch struct {
	Quality   *float64 `json:"quality,omitempty"`
	Format    *string  `json:"format,omitempty"`
	MaxWidth  *int     `json:"max_width,omitempty"`
	MaxHeight *int     `json:"max_height,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
}

// Apply merges the patch. An unknown format is the only rejected input;
// every numeric field is clamped instead.
func (e ExportSettings) Apply(p ExportPatch) (ExportSettings, error) {
	if p.Format != nil {
		f, err := ParseFormat(*p.Format)
		if err != nil {
			return e, err
		}
		e.Format = f
	}
	if p.Quality != nil {
		e.Quality = *p.Quality
	}
	if p.MaxWidth != nil {
		e.MaxWidth = *p.MaxWidth
	}
	if p.MaxHeight != nil {
		e.MaxHeight = *p.MaxHeight
	}
	if p.Scale != nil {
		e.Scale = *p.Scale
	}
	return e.Clamped(), nil
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
