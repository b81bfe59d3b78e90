package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dunamismax/optipix/internal/aiedit"
	"github.com/dunamismax/optipix/internal/config"
	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/editor"
	"github.com/dunamismax/optipix/internal/geometry"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dustin/go-humanize"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(context.Background(), os.Args[2:], os.Stdout)
	case "geometry":
		err = runGeometry(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: optipix <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  render   -in photo.jpg [-out file] [-format jpeg|png|webp] [-quality 0.8] [-max-width 1920] [-max-height 1080]")
	fmt.Fprintln(os.Stderr, "           [-scale 1] [-brightness 100] [-contrast 100] [-saturation 100] [-blur 0] [-rotate 0]")
	fmt.Fprintln(os.Stderr, "           [-flip-h] [-flip-v] [-ai \"instruction\"]")
	fmt.Fprintln(os.Stderr, "  geometry -w 4000 -h 2000 [-scale 1] [-max-width 1920] [-max-height 1080] [-rotate 0]")
}

type renderFlags struct {
	in          string
	out         string
	format      string
	quality     float64
	maxWidth    int
	maxHeight   int
	scale       float64
	brightness  float64
	contrast    float64
	saturation  float64
	blur        float64
	rotate      int
	flipH       bool
	flipV       bool
	instruction string
	verbose     bool
}

func parseRenderFlags(args []string) (renderFlags, error) {
	adj := domain.DefaultAdjustments()
	exp := domain.DefaultExportSettings()

	var f renderFlags
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.StringVar(&f.in, "in", "", "input image")
	fs.StringVar(&f.out, "out", "", "output file (default optipix_edited.<ext>)")
	fs.StringVar(&f.format, "format", "jpeg", "output format: jpeg, png or webp")
	fs.Float64Var(&f.quality, "quality", exp.Quality, "lossy quality 0.1-1.0")
	fs.IntVar(&f.maxWidth, "max-width", exp.MaxWidth, "maximum output width")
	fs.IntVar(&f.maxHeight, "max-height", exp.MaxHeight, "maximum output height")
	fs.Float64Var(&f.scale, "scale", exp.Scale, "scale factor 0.01-1.0")
	fs.Float64Var(&f.brightness, "brightness", adj.Brightness, "brightness percent 0-200")
	fs.Float64Var(&f.contrast, "contrast", adj.Contrast, "contrast percent 0-200")
	fs.Float64Var(&f.saturation, "saturation", adj.Saturation, "saturation percent 0-200")
	fs.Float64Var(&f.blur, "blur", adj.Blur, "blur radius in output pixels 0-20")
	fs.IntVar(&f.rotate, "rotate", adj.Rotation, "rotation in degrees, clockwise")
	fs.BoolVar(&f.flipH, "flip-h", false, "mirror horizontally")
	fs.BoolVar(&f.flipV, "flip-v", false, "mirror vertically")
	fs.StringVar(&f.instruction, "ai", "", "AI edit instruction applied before the adjustments")
	fs.BoolVar(&f.verbose, "v", false, "log progress to stderr")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return renderFlags{}, err
	}
	if f.in == "" {
		return renderFlags{}, errors.New("missing required argument -in")
	}
	return f, nil
}

func runRender(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseRenderFlags(args)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Clean(f.in))
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if f.verbose {
		logger = log.New(os.Stderr, "[optipix] ", log.LstdFlags|log.Lmsgprefix)
	}
	opts := []editor.Option{editor.WithLogger(logger)}
	if f.instruction != "" {
		ai, err := aiedit.NewClient(ctx, config.Load().AI.ClientConfig())
		if err != nil {
			return fmt.Errorf("-ai requires GEMINI_API_KEY: %w", err)
		}
		opts = append(opts, editor.WithCollaborator(ai))
	}

	session := editor.New("cli", pipeline.NewEncoder(), opts...)
	if _, err := session.Load(ctx, editor.Upload{
		Name:      filepath.Base(f.in),
		MediaType: http.DetectContentType(data),
		Data:      data,
	}); err != nil {
		return err
	}

	if f.instruction != "" {
		if _, err := session.ApplyAIEdit(ctx, f.instruction); err != nil {
			return err
		}
	}

	if _, err := session.UpdateAdjustments(ctx, domain.AdjustmentsPatch{
		Brightness:     &f.brightness,
		Contrast:       &f.contrast,
		Saturation:     &f.saturation,
		Blur:           &f.blur,
		Rotation:       &f.rotate,
		FlipHorizontal: &f.flipH,
		FlipVertical:   &f.flipV,
	}); err != nil {
		return err
	}
	frame, err := session.UpdateExport(ctx, domain.ExportPatch{
		Quality:   &f.quality,
		Format:    &f.format,
		MaxWidth:  &f.maxWidth,
		MaxHeight: &f.maxHeight,
		Scale:     &f.scale,
	})
	if err != nil {
		return err
	}

	dl, err := session.Export()
	if err != nil {
		return err
	}
	out := f.out
	if out == "" {
		out = dl.Name
	}
	if err := os.WriteFile(out, dl.Data, 0o644); err != nil {
		return err
	}

	b := frame.Image.Bounds()
	fmt.Fprintf(stdout, "%s: %dx%d %s, %s -> %s\n",
		out, b.Dx(), b.Dy(), dl.ContentType,
		humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(len(dl.Data))),
	)
	return nil
}

func runGeometry(args []string, stdout io.Writer) error {
	exp := domain.DefaultExportSettings()

	fs := flag.NewFlagSet("geometry", flag.ContinueOnError)
	width := fs.Int("w", 0, "source width")
	height := fs.Int("h", 0, "source height")
	scale := fs.Float64("scale", exp.Scale, "scale factor")
	maxWidth := fs.Int("max-width", exp.MaxWidth, "maximum output width")
	maxHeight := fs.Int("max-height", exp.MaxHeight, "maximum output height")
	rotate := fs.Int("rotate", 0, "rotation in degrees")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *width <= 0 || *height <= 0 {
		return errors.New("missing required arguments -w and -h")
	}

	exp.Scale, exp.MaxWidth, exp.MaxHeight = *scale, *maxWidth, *maxHeight
	exp = exp.Clamped()
	g := geometry.Resolve(*width, *height, exp.Scale, exp.MaxWidth, exp.MaxHeight, *rotate)
	surfaceWidth, surfaceHeight := g.SurfaceSize()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		geometry.Geometry
		SurfaceWidth  int `json:"surface_width"`
		SurfaceHeight int `json:"surface_height"`
	}{g, surfaceWidth, surfaceHeight})
}
