package editor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/optipix/internal/aiedit"
	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/pipeline"
)

type fakeCollaborator struct {
	mu       sync.Mutex
	requests []aiedit.Request
	edit     func(ctx context.Context, req aiedit.Request) (aiedit.Response, error)
}

func (f *fakeCollaborator) Edit(ctx context.Context, req aiedit.Request) (aiedit.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.edit(ctx, req)
}

func TestLoadRendersAndResetsParameters(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()

	frame, err := s.Load(ctx, pngUpload(t, "first.png", 6, 4))
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	if w, h := frame.Image.Bounds().Dx(), frame.Image.Bounds().Dy(); w != 6 || h != 4 {
		t.Fatalf("expected 6x4 frame, got %dx%d", w, h)
	}

	if _, err := s.Rotate(ctx, domain.RotateRight); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	brightness := 150.0
	if _, err := s.UpdateAdjustments(ctx, domain.AdjustmentsPatch{Brightness: &brightness}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	format := "png"
	if _, err := s.UpdateExport(ctx, domain.ExportPatch{Format: &format}); err != nil {
		t.Fatalf("update export: %v", err)
	}

	if _, err := s.Load(ctx, pngUpload(t, "second.png", 3, 5)); err != nil {
		t.Fatalf("load second: %v", err)
	}
	state := s.State()
	if state.Adjustments != domain.DefaultAdjustments() {
		t.Fatalf("expected default adjustments after load, got %+v", state.Adjustments)
	}
	if state.Export != domain.DefaultExportSettings() {
		t.Fatalf("expected default export settings after load, got %+v", state.Export)
	}
	if state.Source == nil || state.Source.Name != "second.png" || state.Source.Origin != OriginUpload {
		t.Fatalf("unexpected source %+v", state.Source)
	}
}

func TestLoadRejectsNonImageMediaType(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())

	_, err := s.Load(context.Background(), Upload{Name: "notes.txt", MediaType: "text/plain", Data: []byte("hi")})
	if !errors.Is(err, domain.ErrUnsupportedMediaType) {
		t.Fatalf("expected ErrUnsupportedMediaType, got %v", err)
	}
	if s.State().Source != nil {
		t.Fatal("expected no source after rejected upload")
	}
	if _, ok := s.Frame(); ok {
		t.Fatal("expected no frame after rejected upload")
	}
}

func TestLoadDecodeFailureKeepsPreviousImage(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()

	if _, err := s.Load(ctx, pngUpload(t, "good.png", 4, 4)); err != nil {
		t.Fatalf("load good: %v", err)
	}
	contrast := 40.0
	if _, err := s.UpdateAdjustments(ctx, domain.AdjustmentsPatch{Contrast: &contrast}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	before := s.State()
	beforeFrame, _ := s.Frame()

	_, err := s.Load(ctx, Upload{Name: "broken.png", MediaType: "image/png", Data: []byte("not an image")})
	if !errors.Is(err, pipeline.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	after := s.State()
	if after.Source != before.Source {
		t.Fatal("expected source to survive a failed decode")
	}
	if after.Adjustments != before.Adjustments {
		t.Fatalf("expected adjustments to survive, got %+v", after.Adjustments)
	}
	afterFrame, _ := s.Frame()
	if afterFrame.Image != beforeFrame.Image {
		t.Fatal("expected no render after a failed decode")
	}
}

func TestLoadDiscardsSupersededDecode(t *testing.T) {
	slow := []byte("slow")
	entered := make(chan struct{})
	release := make(chan struct{})

	decode := func(data []byte) (image.Image, string, error) {
		if bytes.Equal(data, slow) {
			close(entered)
			<-release
			return solidImage(9, 9, color.RGBA{R: 255, A: 255}), "png", nil
		}
		return pipeline.Decode(data)
	}
	s := New("s1", pipeline.NewEncoder(), WithDecoder(decode))
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Load(ctx, Upload{Name: "slow.png", MediaType: "image/png", Data: slow})
		errc <- err
	}()
	<-entered

	if _, err := s.Load(ctx, pngUpload(t, "fast.png", 2, 3)); err != nil {
		t.Fatalf("load fast: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded for the older load, got %v", err)
	}
	if got := s.State().Source.Name; got != "fast.png" {
		t.Fatalf("expected newer load to win, got %q", got)
	}
}

func TestEditsRequireImage(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()

	if _, err := s.Rotate(ctx, domain.RotateLeft); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage from rotate, got %v", err)
	}
	if _, err := s.Export(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage from export, got %v", err)
	}
	if _, err := s.Preview(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage from preview, got %v", err)
	}
}

func TestRotateSwapsFrameDimensions(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "wide.png", 6, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}

	frame, err := s.Rotate(ctx, domain.RotateLeft)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if w, h := frame.Image.Bounds().Dx(), frame.Image.Bounds().Dy(); w != 2 || h != 6 {
		t.Fatalf("expected 2x6 frame, got %dx%d", w, h)
	}
	if got := s.State().Adjustments.Rotation; got != -90 {
		t.Fatalf("expected rotation -90, got %d", got)
	}

	if _, err := s.Flip(ctx, domain.Axis("diagonal")); !errors.Is(err, domain.ErrUnknownAxis) {
		t.Fatalf("expected ErrUnknownAxis, got %v", err)
	}
}

func TestExportUsesFormatAndDownloadName(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "in.png", 5, 5)); err != nil {
		t.Fatalf("load: %v", err)
	}

	dl, err := s.Export()
	if err != nil {
		t.Fatalf("export jpeg: %v", err)
	}
	if dl.Name != "optipix_edited.jpg" || dl.ContentType != "image/jpeg" {
		t.Fatalf("unexpected jpeg download %q %q", dl.Name, dl.ContentType)
	}

	format := "png"
	if _, err := s.UpdateExport(ctx, domain.ExportPatch{Format: &format}); err != nil {
		t.Fatalf("update export: %v", err)
	}
	dl, err = s.Export()
	if err != nil {
		t.Fatalf("export png: %v", err)
	}
	if dl.Name != "optipix_edited.png" || dl.ContentType != "image/png" {
		t.Fatalf("unexpected png download %q %q", dl.Name, dl.ContentType)
	}
	img, err := png.Decode(bytes.NewReader(dl.Data))
	if err != nil {
		t.Fatalf("decode exported png: %v", err)
	}
	if img.Bounds().Dx() != 5 || img.Bounds().Dy() != 5 {
		t.Fatalf("unexpected exported bounds %v", img.Bounds())
	}
}

func TestAIEditReplacesSourceAndResets(t *testing.T) {
	edited := encodePNG(t, solidImage(7, 3, color.RGBA{G: 200, A: 255}))
	ai := &fakeCollaborator{edit: func(context.Context, aiedit.Request) (aiedit.Response, error) {
		return aiedit.Response{ImageBase64: base64.StdEncoding.EncodeToString(edited), MediaType: "image/png"}, nil
	}}
	s := New("s1", pipeline.NewEncoder(), WithCollaborator(ai))
	ctx := context.Background()

	if _, err := s.Load(ctx, pngUpload(t, "in.png", 4, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Rotate(ctx, domain.RotateRight); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	frame, err := s.ApplyAIEdit(ctx, "  make it green  ")
	if err != nil {
		t.Fatalf("ai edit: %v", err)
	}
	if w, h := frame.Image.Bounds().Dx(), frame.Image.Bounds().Dy(); w != 7 || h != 3 {
		t.Fatalf("expected 7x3 frame from edited image, got %dx%d", w, h)
	}

	state := s.State()
	if state.Busy {
		t.Fatal("expected busy to clear after success")
	}
	if state.Adjustments != domain.DefaultAdjustments() || state.Export != domain.DefaultExportSettings() {
		t.Fatalf("expected parameters reset, got %+v %+v", state.Adjustments, state.Export)
	}
	if state.Source.Origin != OriginAIEdit || state.Source.Name != "in.png" {
		t.Fatalf("unexpected source %+v", state.Source)
	}

	if len(ai.requests) != 1 {
		t.Fatalf("expected one collaborator call, got %d", len(ai.requests))
	}
	req := ai.requests[0]
	if req.Instruction != "make it green" || req.MediaType != "image/png" {
		t.Fatalf("unexpected request %+v", req)
	}
	raw, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		t.Fatalf("request image is not base64: %v", err)
	}
	snap, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request image is not png: %v", err)
	}
	if snap.Bounds().Dx() != 2 || snap.Bounds().Dy() != 4 {
		t.Fatalf("expected rotated 2x4 snapshot, got %v", snap.Bounds())
	}
}

func TestAIEditFailureLeavesStateUntouched(t *testing.T) {
	cases := map[string]func(context.Context, aiedit.Request) (aiedit.Response, error){
		"collaborator error": func(context.Context, aiedit.Request) (aiedit.Response, error) {
			return aiedit.Response{}, errors.New("upstream exploded")
		},
		"invalid base64": func(context.Context, aiedit.Request) (aiedit.Response, error) {
			return aiedit.Response{ImageBase64: "!!!"}, nil
		},
		"undecodable image": func(context.Context, aiedit.Request) (aiedit.Response, error) {
			return aiedit.Response{ImageBase64: base64.StdEncoding.EncodeToString([]byte("nope"))}, nil
		},
	}

	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			s := New("s1", pipeline.NewEncoder(), WithCollaborator(&fakeCollaborator{edit: edit}))
			ctx := context.Background()
			if _, err := s.Load(ctx, pngUpload(t, "in.png", 4, 4)); err != nil {
				t.Fatalf("load: %v", err)
			}
			saturation := 30.0
			if _, err := s.UpdateAdjustments(ctx, domain.AdjustmentsPatch{Saturation: &saturation}); err != nil {
				t.Fatalf("adjust: %v", err)
			}
			before := s.State()
			beforeFrame, _ := s.Frame()

			_, err := s.ApplyAIEdit(ctx, "do something")
			if !errors.Is(err, ErrAIEdit) {
				t.Fatalf("expected ErrAIEdit, got %v", err)
			}

			after := s.State()
			if !reflect.DeepEqual(before, after) {
				t.Fatalf("expected state unchanged\nbefore %+v\nafter  %+v", before, after)
			}
			if after.Source != before.Source {
				t.Fatal("expected the same source image")
			}
			if afterFrame, _ := s.Frame(); afterFrame.Image != beforeFrame.Image {
				t.Fatal("expected no re-render on failure")
			}
		})
	}
}

func TestAIEditRejectsWhileBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	edited := encodePNG(t, solidImage(2, 2, color.RGBA{B: 255, A: 255}))
	ai := &fakeCollaborator{edit: func(context.Context, aiedit.Request) (aiedit.Response, error) {
		close(entered)
		<-release
		return aiedit.Response{ImageBase64: base64.StdEncoding.EncodeToString(edited)}, nil
	}}
	s := New("s1", pipeline.NewEncoder(), WithCollaborator(ai))
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "in.png", 4, 4)); err != nil {
		t.Fatalf("load: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.ApplyAIEdit(ctx, "first")
		errc <- err
	}()
	<-entered

	if !s.State().Busy {
		t.Fatal("expected busy while the collaborator is working")
	}
	if _, err := s.ApplyAIEdit(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("first edit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first edit did not finish")
	}
	if s.State().Busy {
		t.Fatal("expected busy to clear")
	}
	if len(ai.requests) != 1 {
		t.Fatalf("expected exactly one collaborator call, got %d", len(ai.requests))
	}
}

func TestAIEditSupersededByLoad(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	edited := encodePNG(t, solidImage(2, 2, color.RGBA{B: 255, A: 255}))
	ai := &fakeCollaborator{edit: func(context.Context, aiedit.Request) (aiedit.Response, error) {
		close(entered)
		<-release
		return aiedit.Response{ImageBase64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(edited)}, nil
	}}
	s := New("s1", pipeline.NewEncoder(), WithCollaborator(ai))
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "old.png", 4, 4)); err != nil {
		t.Fatalf("load: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.ApplyAIEdit(ctx, "recolor")
		errc <- err
	}()
	<-entered

	if _, err := s.Load(ctx, pngUpload(t, "new.png", 3, 3)); err != nil {
		t.Fatalf("load new: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	state := s.State()
	if state.Source.Name != "new.png" || state.Source.Origin != OriginUpload {
		t.Fatalf("expected the newer upload to stay, got %+v", state.Source)
	}
	if state.Busy {
		t.Fatal("expected busy to clear")
	}
}

func TestAIEditValidation(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()

	if _, err := s.ApplyAIEdit(ctx, "   "); !errors.Is(err, ErrEmptyInstruction) {
		t.Fatalf("expected ErrEmptyInstruction, got %v", err)
	}
	if _, err := s.ApplyAIEdit(ctx, "brighten"); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}

	if _, err := s.Load(ctx, pngUpload(t, "in.png", 2, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := s.ApplyAIEdit(ctx, "brighten")
	if !errors.Is(err, ErrAIEdit) || !errors.Is(err, aiedit.ErrNotConfigured) {
		t.Fatalf("expected not configured ai edit error, got %v", err)
	}
}

func TestResetClearsSession(t *testing.T) {
	s := New("s1", pipeline.NewEncoder())
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "in.png", 2, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Rotate(ctx, domain.RotateRight); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	s.Reset()
	state := s.State()
	if state.Source != nil || state.Adjustments != domain.DefaultAdjustments() {
		t.Fatalf("unexpected state after reset %+v", state)
	}
	if _, ok := s.Frame(); ok {
		t.Fatal("expected no frame after reset")
	}
}

func TestFrameConsumerSeesEveryRender(t *testing.T) {
	var renders int
	s := New("s1", pipeline.NewEncoder(), WithFrameConsumer(func(pipeline.Frame) { renders++ }))
	ctx := context.Background()

	if _, err := s.Load(ctx, pngUpload(t, "in.png", 2, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Flip(ctx, domain.AxisVertical); err != nil {
		t.Fatalf("flip: %v", err)
	}
	if renders != 2 {
		t.Fatalf("expected 2 renders, got %d", renders)
	}
}

func pngUpload(t *testing.T, name string, w, h int) Upload {
	t.Helper()
	return Upload{
		Name:      name,
		MediaType: "image/png",
		Data:      encodePNG(t, solidImage(w, h, color.RGBA{R: 120, G: 60, B: 30, A: 255})),
	}
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestBeginAIEditMarksBusyUntilRun(t *testing.T) {
	edited := encodePNG(t, solidImage(3, 3, color.RGBA{R: 9, A: 255}))
	ai := &fakeCollaborator{edit: func(context.Context, aiedit.Request) (aiedit.Response, error) {
		return aiedit.Response{ImageBase64: base64.StdEncoding.EncodeToString(edited)}, nil
	}}
	s := New("s1", pipeline.NewEncoder(), WithCollaborator(ai))
	ctx := context.Background()
	if _, err := s.Load(ctx, pngUpload(t, "in.png", 2, 2)); err != nil {
		t.Fatalf("load: %v", err)
	}

	edit, err := s.BeginAIEdit("sharpen")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !s.State().Busy {
		t.Fatal("expected busy right after begin")
	}
	if _, err := s.BeginAIEdit("again"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if _, err := edit.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State().Busy {
		t.Fatal("expected busy to clear after run")
	}
	if _, err := edit.Run(ctx); err == nil {
		t.Fatal("expected second run to fail")
	}
}

func TestAIEditOnFinishRunsWhileBusy(t *testing.T) {
	edited := encodePNG(t, solidImage(5, 7, color.RGBA{G: 40, A: 255}))
	cases := map[string]struct {
		resp    aiedit.Response
		err     error
		wantErr error
	}{
		"success": {resp: aiedit.Response{ImageBase64: base64.StdEncoding.EncodeToString(edited)}},
		"failure": {err: errors.New("upstream exploded"), wantErr: ErrAIEdit},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ai := &fakeCollaborator{edit: func(context.Context, aiedit.Request) (aiedit.Response, error) {
				return tc.resp, tc.err
			}}
			s := New("s1", pipeline.NewEncoder(), WithCollaborator(ai))
			ctx := context.Background()
			if _, err := s.Load(ctx, pngUpload(t, "in.png", 2, 2)); err != nil {
				t.Fatalf("load: %v", err)
			}

			edit, err := s.BeginAIEdit("recolor")
			if err != nil {
				t.Fatalf("begin: %v", err)
			}

			var (
				calls       int
				busyInHook  bool
				hookErr     error
				hookFrameOK bool
			)
			edit.OnFinish(func(frame pipeline.Frame, err error) {
				calls++
				// Run holds the session lock while calling the hook.
				busyInHook = s.busy
				hookErr = err
				hookFrameOK = frame.Image != nil
			})

			frame, err := edit.Run(ctx)
			if calls != 1 {
				t.Fatalf("expected hook called once, got %d", calls)
			}
			if !busyInHook {
				t.Fatal("expected session still busy inside the hook")
			}
			if s.State().Busy {
				t.Fatal("expected busy to clear after run")
			}
			if !errors.Is(hookErr, tc.wantErr) || !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && (err != nil || hookErr != nil)) {
				t.Fatalf("expected %v from hook and run, got hook=%v run=%v", tc.wantErr, hookErr, err)
			}
			if tc.wantErr == nil && (!hookFrameOK || frame.Image.Bounds().Dx() != 5) {
				t.Fatalf("expected edited frame in hook and run, got %v", frame.Image)
			}
		})
	}
}
