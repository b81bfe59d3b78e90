// Package editor holds one editing session: the source image, the
// adjustment and export parameters, and the last rendered frame.
//
// Every mutation re-renders the whole frame. Slow work (decoding an upload,
// the AI round-trip) runs outside the session lock and carries the
// generation it started under; a result whose generation is stale is
// discarded instead of applied.
package editor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/dunamismax/optipix/internal/aiedit"
	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dustin/go-humanize"
)

var (
	ErrNoImage          = errors.New("no image loaded")
	ErrBusy             = errors.New("an ai edit is already in progress")
	ErrSuperseded       = errors.New("result superseded by a newer operation")
	ErrEmptyInstruction = errors.New("instruction is required")
	ErrAIEdit           = errors.New("ai edit failed")
)

const (
	OriginUpload = "upload"
	OriginAIEdit = "ai_edit"
)

type Collaborator interface {
	Edit(ctx context.Context, req aiedit.Request) (aiedit.Response, error)
}

type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// Source is replaced wholesale, never modified.
type Source struct {
	Image     image.Image
	Name      string
	MediaType string
	Format    string
	Bytes     int
	Origin    string
}

type Download struct {
	Name        string
	ContentType string
	Data        []byte
}

// State is a point-in-time copy of the session fields.
type State struct {
	Source      *Source
	Adjustments domain.Adjustments
	Export      domain.ExportSettings
	Busy        bool
	Generation  uint64
}

type Option func(*Session)

func WithCollaborator(c Collaborator) Option {
	return func(s *Session) { s.ai = c }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDecoder replaces pipeline.Decode.
func WithDecoder(fn func([]byte) (image.Image, string, error)) Option {
	return func(s *Session) {
		if fn != nil {
			s.decode = fn
		}
	}
}

// WithFrameConsumer registers an extra consumer on the session's pipeline.
func WithFrameConsumer(c pipeline.Consumer) Option {
	return func(s *Session) { s.pipeline.Subscribe(c) }
}

type Session struct {
	id       string
	logger   *log.Logger
	pipeline *pipeline.Pipeline
	encoder  pipeline.Encoder
	ai       Collaborator
	decode   func([]byte) (image.Image, string, error)

	mu          sync.Mutex
	source      *Source
	adjustments domain.Adjustments
	export      domain.ExportSettings
	frame       *pipeline.Frame
	busy        bool
	generation  uint64
}

func New(id string, encoder pipeline.Encoder, opts ...Option) *Session {
	s := &Session{
		id:          id,
		logger:      log.New(io.Discard, "", 0),
		pipeline:    pipeline.New(),
		encoder:     encoder,
		decode:      pipeline.Decode,
		adjustments: domain.DefaultAdjustments(),
		export:      domain.DefaultExportSettings(),
	}
	s.pipeline.Subscribe(s.captureFrame)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

// captureFrame runs inside Render, which is always called with s.mu held.
func (s *Session) captureFrame(f pipeline.Frame) {
	s.frame = &f
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Source:      s.source,
		Adjustments: s.adjustments,
		Export:      s.export,
		Busy:        s.busy,
		Generation:  s.generation,
	}
}

// Frame returns the last rendered frame, if any.
func (s *Session) Frame() (pipeline.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return pipeline.Frame{}, false
	}
	return *s.frame, true
}

// Load decodes an upload and makes it the source, resetting all parameters.
// A load started later wins: an earlier load that finishes decoding after it
// returns ErrSuperseded and changes nothing.
func (s *Session) Load(ctx context.Context, u Upload) (pipeline.Frame, error) {
	if err := domain.ValidateMediaType(u.MediaType); err != nil {
		return pipeline.Frame{}, err
	}

	s.mu.Lock()
	s.generation++
	token := s.generation
	s.mu.Unlock()

	img, format, err := s.decode(u.Data)
	if err != nil {
		s.logger.Printf("load failed session=%s name=%q err=%v", s.id, u.Name, err)
		return pipeline.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.generation {
		return pipeline.Frame{}, ErrSuperseded
	}

	s.logger.Printf(
		"loaded session=%s name=%q format=%s size=%s dims=%dx%d",
		s.id, u.Name, format, humanize.Bytes(uint64(len(u.Data))), img.Bounds().Dx(), img.Bounds().Dy(),
	)
	return s.swapLocked(ctx, &Source{
		Image:     img,
		Name:      u.Name,
		MediaType: u.MediaType,
		Format:    format,
		Bytes:     len(u.Data),
		Origin:    OriginUpload,
	})
}

// Reset drops the source and restores default parameters. Pending loads and
// AI edits are superseded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.source = nil
	s.frame = nil
	s.adjustments = domain.DefaultAdjustments()
	s.export = domain.DefaultExportSettings()
}

func (s *Session) UpdateAdjustments(ctx context.Context, patch domain.AdjustmentsPatch) (pipeline.Frame, error) {
	return s.mutateAdjustments(ctx, func(a domain.Adjustments) (domain.Adjustments, error) {
		return a.Apply(patch), nil
	})
}

func (s *Session) Rotate(ctx context.Context, d domain.Direction) (pipeline.Frame, error) {
	return s.mutateAdjustments(ctx, func(a domain.Adjustments) (domain.Adjustments, error) {
		return a.Rotate(d)
	})
}

func (s *Session) Flip(ctx context.Context, axis domain.Axis) (pipeline.Frame, error) {
	return s.mutateAdjustments(ctx, func(a domain.Adjustments) (domain.Adjustments, error) {
		return a.Flip(axis)
	})
}

func (s *Session) UpdateExport(ctx context.Context, patch domain.ExportPatch) (pipeline.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return pipeline.Frame{}, ErrNoImage
	}
	next, err := s.export.Apply(patch)
	if err != nil {
		return pipeline.Frame{}, err
	}
	s.export = next
	return s.renderLocked(ctx)
}

func (s *Session) mutateAdjustments(ctx context.Context, fn func(domain.Adjustments) (domain.Adjustments, error)) (pipeline.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return pipeline.Frame{}, ErrNoImage
	}
	next, err := fn(s.adjustments)
	if err != nil {
		return pipeline.Frame{}, err
	}
	s.adjustments = next.Clamped()
	return s.renderLocked(ctx)
}

// Export encodes the current frame with the export format and quality.
func (s *Session) Export() (Download, error) {
	s.mu.Lock()
	frame := s.frame
	exp := s.export
	s.mu.Unlock()

	if frame == nil {
		return Download{}, ErrNoImage
	}
	data, err := s.encoder.Encode(frame.Image, exp.Format, exp.EncoderQuality())
	if err != nil {
		return Download{}, fmt.Errorf("export %s: %w", exp.Format, err)
	}
	return Download{
		Name:        domain.DownloadName(exp.Format),
		ContentType: exp.Format.ContentType(),
		Data:        data,
	}, nil
}

// Preview encodes the current frame losslessly.
func (s *Session) Preview() ([]byte, error) {
	frame, ok := s.Frame()
	if !ok {
		return nil, ErrNoImage
	}
	return s.encoder.Encode(frame.Image, domain.FormatPNG, 0)
}

// ApplyAIEdit sends the current frame and instruction to the collaborator and,
// on success, replaces the source with the returned image and resets all
// parameters. On failure nothing changes except that the busy flag clears.
func (s *Session) ApplyAIEdit(ctx context.Context, instruction string) (pipeline.Frame, error) {
	edit, err := s.BeginAIEdit(instruction)
	if err != nil {
		return pipeline.Frame{}, err
	}
	return edit.Run(ctx)
}

// AIEdit is an accepted edit that holds the session's busy flag until Run
// returns. Run must be called exactly once.
type AIEdit struct {
	session     *Session
	token       uint64
	frame       pipeline.Frame
	name        string
	instruction string
	ran         bool
	onFinish    func(pipeline.Frame, error)
}

// BeginAIEdit validates the request and marks the session busy. The snapshot
// sent to the collaborator is the frame current at this moment.
func (s *Session) BeginAIEdit(instruction string) (*AIEdit, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, ErrEmptyInstruction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.source == nil || s.frame == nil:
		return nil, ErrNoImage
	case s.busy:
		return nil, ErrBusy
	case s.ai == nil:
		return nil, fmt.Errorf("%w: %w", ErrAIEdit, aiedit.ErrNotConfigured)
	}
	s.busy = true
	return &AIEdit{
		session:     s,
		token:       s.generation,
		frame:       *s.frame,
		name:        s.source.Name,
		instruction: instruction,
	}, nil
}

func (e *AIEdit) Instruction() string {
	return e.instruction
}

// OnFinish registers fn to observe the outcome of Run. fn is called under the
// session lock while the session is still busy, so no other edit can begin
// before it returns. fn must not call back into the session.
func (e *AIEdit) OnFinish(fn func(pipeline.Frame, error)) {
	e.onFinish = fn
}

func (e *AIEdit) Run(ctx context.Context) (pipeline.Frame, error) {
	if e.ran {
		return pipeline.Frame{}, errors.New("ai edit already ran")
	}
	e.ran = true
	s := e.session

	img, format, size, err := s.roundTrip(ctx, e.frame, e.instruction)

	s.mu.Lock()
	defer s.mu.Unlock()
	frame, err := e.applyLocked(ctx, img, format, size, err)
	if e.onFinish != nil {
		e.onFinish(frame, err)
	}
	s.busy = false
	return frame, err
}

func (e *AIEdit) applyLocked(ctx context.Context, img image.Image, format string, size int, err error) (pipeline.Frame, error) {
	s := e.session
	if err != nil {
		s.logger.Printf("ai edit failed session=%s err=%v", s.id, err)
		return pipeline.Frame{}, fmt.Errorf("%w: %w", ErrAIEdit, err)
	}
	if e.token != s.generation {
		return pipeline.Frame{}, ErrSuperseded
	}

	s.logger.Printf("ai edit applied session=%s dims=%dx%d size=%s", s.id, img.Bounds().Dx(), img.Bounds().Dy(), humanize.Bytes(uint64(size)))
	return s.swapLocked(ctx, &Source{
		Image:     img,
		Name:      e.name,
		MediaType: "image/" + format,
		Format:    format,
		Bytes:     size,
		Origin:    OriginAIEdit,
	})
}

func (s *Session) roundTrip(ctx context.Context, frame pipeline.Frame, instruction string) (image.Image, string, int, error) {
	snapshot, err := s.encoder.Encode(frame.Image, domain.FormatPNG, 0)
	if err != nil {
		return nil, "", 0, fmt.Errorf("capture snapshot: %w", err)
	}

	resp, err := s.ai.Edit(ctx, aiedit.Request{
		ImageBase64: base64.StdEncoding.EncodeToString(snapshot),
		MediaType:   domain.FormatPNG.ContentType(),
		Instruction: instruction,
	})
	if err != nil {
		return nil, "", 0, err
	}

	raw, err := decodeBase64Image(resp.ImageBase64)
	if err != nil {
		return nil, "", 0, err
	}
	img, format, err := s.decode(raw)
	if err != nil {
		return nil, "", 0, err
	}
	return img, format, len(raw), nil
}

// decodeBase64Image accepts bare base64 or a data URL.
func decodeBase64Image(in string) ([]byte, error) {
	in = strings.TrimSpace(in)
	if strings.HasPrefix(in, "data:") {
		if i := strings.Index(in, ","); i >= 0 {
			in = in[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return raw, nil
}

func (s *Session) swapLocked(ctx context.Context, src *Source) (pipeline.Frame, error) {
	s.source = src
	s.adjustments = domain.DefaultAdjustments()
	s.export = domain.DefaultExportSettings()
	return s.renderLocked(ctx)
}

func (s *Session) renderLocked(ctx context.Context) (pipeline.Frame, error) {
	frame, err := s.pipeline.Render(ctx, s.source.Image, s.adjustments, s.export)
	if err != nil {
		return pipeline.Frame{}, fmt.Errorf("render: %w", err)
	}
	return frame, nil
}
