package pipeline

import (
	"context"
	"errors"
	"image"
	"image/draw"

	"github.com/disintegration/gift"
	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/geometry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var ErrNoSource = errors.New("no source image")

// Frame is a finished render. Image is never written to again: the next
// render allocates a fresh surface.
type Frame struct {
	Image       *image.RGBA
	Geometry    geometry.Geometry
	Adjustments domain.Adjustments
	Export      domain.ExportSettings
}

// Consumer receives every finished frame before Render returns.
type Consumer func(Frame)

// Pipeline is not safe for concurrent use; callers serialize renders.
type Pipeline struct {
	surface   *Surface
	consumers []Consumer
	tracer    trace.Tracer
}

func New() *Pipeline {
	return &Pipeline{
		surface: NewSurface(),
		tracer:  otel.Tracer("optipix/pipeline"),
	}
}

func (p *Pipeline) Subscribe(c Consumer) {
	if c != nil {
		p.consumers = append(p.consumers, c)
	}
}

// Render repaints the whole surface from src and the given parameters.
func (p *Pipeline) Render(ctx context.Context, src image.Image, adj domain.Adjustments, exp domain.ExportSettings) (Frame, error) {
	if src == nil {
		return Frame{}, ErrNoSource
	}
	adj = adj.Clamped()
	exp = exp.Clamped()

	_, span := p.tracer.Start(ctx, "pipeline.render")
	defer span.End()

	sb := src.Bounds()
	g := geometry.Resolve(sb.Dx(), sb.Dy(), exp.Scale, exp.MaxWidth, exp.MaxHeight, adj.Rotation)
	width, height := g.SurfaceSize()

	p.surface.Resize(width, height)
	p.surface.Clear()

	state := newDrawState(adj, g, sb, width, height)
	state.draw(p.surface.Image(), src)

	span.SetAttributes(
		attribute.Int("render.source_width", sb.Dx()),
		attribute.Int("render.source_height", sb.Dy()),
		attribute.Int("render.width", width),
		attribute.Int("render.height", height),
		attribute.Int("render.rotation", adj.NormalizedRotation()),
		attribute.Int("render.filters", len(state.filters)),
	)

	frame := Frame{
		Image:       p.surface.Image(),
		Geometry:    g,
		Adjustments: adj,
		Export:      exp,
	}
	for _, c := range p.consumers {
		c(frame)
	}
	return frame, nil
}

// drawState is the filter and transform configuration for one draw call.
// It lives only for the duration of a render.
type drawState struct {
	filters []gift.Filter
	matrix  matrix
	interp  xdraw.Transformer
	skip    bool
}

func newDrawState(adj domain.Adjustments, g geometry.Geometry, sb image.Rectangle, width, height int) drawState {
	if sb.Empty() || !(g.DrawWidth > 0) || !(g.DrawHeight > 0) {
		return drawState{skip: true}
	}
	m := drawMatrix(adj, g, sb, width, height)
	return drawState{
		filters: filterStack(adj),
		matrix:  m,
		interp:  interpolatorFor(m),
	}
}

// draw paints src through the transform, runs the filter stack over the
// painted layer and composites it source-over onto dst.
func (s drawState) draw(dst *image.RGBA, src image.Image) {
	if s.skip {
		return
	}
	if len(s.filters) == 0 {
		s.interp.Transform(dst, f64.Aff3(s.matrix), src, src.Bounds(), xdraw.Over, nil)
		return
	}

	layer := image.NewRGBA(dst.Bounds())
	s.interp.Transform(layer, f64.Aff3(s.matrix), src, src.Bounds(), xdraw.Over, nil)

	g := gift.New(s.filters...)
	filtered := image.NewRGBA(g.Bounds(layer.Bounds()))
	g.Draw(filtered, layer)
	draw.Draw(dst, dst.Bounds(), filtered, filtered.Bounds().Min, draw.Over)
}
