package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/editor"
	"github.com/dunamismax/optipix/internal/geometry"
	"github.com/dunamismax/optipix/internal/id"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dunamismax/optipix/internal/storage"
	"github.com/dunamismax/optipix/internal/store"
	"github.com/dustin/go-humanize"
)

type createSessionRequest struct {
	WebhookURL string `json:"webhook_url"`
}

func (r createSessionRequest) validate() error {
	if strings.TrimSpace(r.WebhookURL) == "" {
		return nil
	}
	u, err := url.Parse(r.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("webhook_url must be an absolute http(s) URL")
	}
	return nil
}

type rotateRequest struct {
	Direction domain.Direction `json:"direction"`
}

type flipRequest struct {
	Axis domain.Axis `json:"axis"`
}

type imageView struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
	Size      string `json:"size"`
	Origin    string `json:"origin"`
}

type outputView struct {
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Geometry geometry.Geometry `json:"geometry"`
}

type sessionView struct {
	ID          string                `json:"id"`
	CreatedAt   time.Time             `json:"created_at"`
	WebhookURL  string                `json:"webhook_url,omitempty"`
	Busy        bool                  `json:"busy"`
	Image       *imageView            `json:"image"`
	Output      *outputView           `json:"output,omitempty"`
	Adjustments domain.Adjustments    `json:"adjustments"`
	Export      domain.ExportSettings `json:"export"`
	AIEdit      *aiEditStatus         `json:"ai_edit,omitempty"`
}

func (s *Server) view(entry store.Entry) sessionView {
	state := entry.Session.State()
	v := sessionView{
		ID:          entry.Session.ID(),
		CreatedAt:   entry.CreatedAt,
		WebhookURL:  entry.WebhookURL,
		Busy:        state.Busy,
		Adjustments: state.Adjustments,
		Export:      state.Export,
	}
	if src := state.Source; src != nil {
		b := src.Image.Bounds()
		v.Image = &imageView{
			Name:      src.Name,
			MediaType: src.MediaType,
			Format:    src.Format,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Bytes:     src.Bytes,
			Size:      humanize.Bytes(uint64(src.Bytes)),
			Origin:    src.Origin,
		}
	}
	if frame, ok := entry.Session.Frame(); ok {
		b := frame.Image.Bounds()
		v.Output = &outputView{Width: b.Dx(), Height: b.Dy(), Geometry: frame.Geometry}
	}
	if status, ok := s.lookupAIStatus(v.ID); ok {
		v.AIEdit = &status
	}
	return v
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (store.Entry, bool) {
	entry, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrSessionNotFound.Error())
		return store.Entry{}, false
	}
	return entry, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := id.New()
	opts := []editor.Option{
		editor.WithLogger(s.logger),
		editor.WithFrameConsumer(s.metrics.observeFrame),
	}
	if s.ai != nil {
		opts = append(opts, editor.WithCollaborator(s.ai))
	}
	entry := store.Entry{
		Session:    editor.New(sessionID, s.encoder, opts...),
		WebhookURL: strings.TrimSpace(req.WebhookURL),
	}
	s.sessions.Create(entry)
	s.metrics.activeSessions.Set(float64(s.sessions.Len()))

	entry, _ = s.sessions.Get(sessionID)
	w.Header().Set("Location", "/v1/sessions/"+sessionID)
	writeJSON(w, http.StatusCreated, s.view(entry))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(entry))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	entry.Session.Reset()
	s.sessions.Delete(entry.Session.ID())
	s.forgetAIStatus(entry.Session.ID())
	s.metrics.activeSessions.Set(float64(s.sessions.Len()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadImage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type header is required")
		return
	}
	if err := domain.ValidateMediaType(mediaType); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %s", humanize.IBytes(uint64(s.maxUploadBytes))))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	_, err = entry.Session.Load(r.Context(), editor.Upload{
		Name:      uploadName(r),
		MediaType: mediaType,
		Data:      data,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.uploadBytes.Observe(float64(len(data)))
	writeJSON(w, http.StatusOK, s.view(entry))
}

// uploadName prefers ?name=, then the Content-Disposition filename.
func uploadName(r *http.Request) string {
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		return name
	}
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return name
		}
	}
	return "upload"
}

func (s *Server) handleClearImage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	entry.Session.Reset()
	writeJSON(w, http.StatusOK, s.view(entry))
}

func (s *Server) handleUpdateAdjustments(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var patch domain.AdjustmentsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondRender(w, r, entry, func() (pipeline.Frame, error) {
		return entry.Session.UpdateAdjustments(r.Context(), patch)
	})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondRender(w, r, entry, func() (pipeline.Frame, error) {
		return entry.Session.Rotate(r.Context(), req.Direction)
	})
}

func (s *Server) handleFlip(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req flipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondRender(w, r, entry, func() (pipeline.Frame, error) {
		return entry.Session.Flip(r.Context(), req.Axis)
	})
}

func (s *Server) handleUpdateExport(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var patch domain.ExportPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondRender(w, r, entry, func() (pipeline.Frame, error) {
		return entry.Session.UpdateExport(r.Context(), patch)
	})
}

func (s *Server) respondRender(w http.ResponseWriter, r *http.Request, entry store.Entry, mutate func() (pipeline.Frame, error)) {
	if _, err := mutate(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(entry))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, err := entry.Session.Preview()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", domain.FormatPNG.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	dl, err := entry.Session.Export()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.metrics.observeExport(dl.ContentType, "download", len(dl.Data))

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.publisher == nil {
		s.writeDomainError(w, r, errStorageUnavailable)
		return
	}
	dl, err := entry.Session.Export()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	key := storage.ExportKey(s.exportPrefix, entry.Session.ID(), dl.Name)
	obj, err := s.publisher.Publish(r.Context(), key, dl.Data, dl.ContentType, dl.Name, s.presignTTL)
	if err != nil {
		s.logger.Printf("publish failed session=%s key=%s err=%v", entry.Session.ID(), key, err)
		writeError(w, http.StatusBadGateway, "failed to publish export")
		return
	}
	s.metrics.observeExport(dl.ContentType, "object_storage", len(dl.Data))
	s.logger.Printf("published session=%s key=%s size=%s", entry.Session.ID(), key, humanize.Bytes(uint64(len(dl.Data))))
	writeJSON(w, http.StatusCreated, obj)
}
