package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dunamismax/optipix/internal/domain"
	"github.com/dunamismax/optipix/internal/editor"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dunamismax/optipix/internal/storage"
	"github.com/dunamismax/optipix/internal/store"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 25 << 20

var errStorageUnavailable = errors.New("object storage is unavailable")

type exportPublisher interface {
	Publish(ctx context.Context, objectKey string, data []byte, contentType, downloadName string, expiry time.Duration) (storage.Object, error)
}

type notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Logger   *log.Logger
	Sessions store.SessionStore
	Encoder  pipeline.Encoder
	// AI is nil when no collaborator is configured.
	AI        editor.Collaborator
	Publisher exportPublisher
	Notifier  notifier
	Tracer    trace.Tracer

	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	AICost                int

	MaxUploadBytes int64
	ExportPrefix   string
	PresignTTL     time.Duration
	SessionTTL     time.Duration
}

type Server struct {
	logger    *log.Logger
	sessions  store.SessionStore
	encoder   pipeline.Encoder
	ai        editor.Collaborator
	publisher exportPublisher
	notifier  notifier
	tracer    trace.Tracer
	metrics   *metrics
	mux       *http.ServeMux

	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	aiCost                int

	maxUploadBytes int64
	exportPrefix   string
	presignTTL     time.Duration
	sessionTTL     time.Duration

	aiMu     sync.Mutex
	aiStatus map[string]aiEditStatus

	background       sync.WaitGroup
	backgroundCtx    context.Context
	cancelBackground context.CancelFunc
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = store.NewMemorySessionStore()
	}
	encoder := opts.Encoder
	if encoder == nil {
		encoder = pipeline.NewEncoder()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	userHeader := opts.RateLimitUserIDHeader
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	aiCost := opts.AICost
	if aiCost < 1 {
		aiCost = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:                logger,
		sessions:              sessions,
		encoder:               encoder,
		ai:                    opts.AI,
		publisher:             opts.Publisher,
		notifier:              opts.Notifier,
		tracer:                opts.Tracer,
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userHeader,
		aiCost:                aiCost,
		maxUploadBytes:        maxUpload,
		exportPrefix:          opts.ExportPrefix,
		presignTTL:            presignTTL,
		sessionTTL:            opts.SessionTTL,
		aiStatus:              make(map[string]aiEditStatus),
		backgroundCtx:         ctx,
		cancelBackground:      cancel,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("PUT /v1/sessions/{id}/image", s.handleLoadImage)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/image", s.handleClearImage)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}/adjustments", s.handleUpdateAdjustments)
	s.mux.HandleFunc("POST /v1/sessions/{id}/rotate", s.handleRotate)
	s.mux.HandleFunc("POST /v1/sessions/{id}/flip", s.handleFlip)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}/export-settings", s.handleUpdateExport)
	s.mux.HandleFunc("GET /v1/sessions/{id}/preview", s.handlePreview)
	s.mux.HandleFunc("GET /v1/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("POST /v1/sessions/{id}/export/publish", s.handlePublish)
	s.mux.HandleFunc("POST /v1/sessions/{id}/ai-edit", s.handleAIEdit)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close waits for background AI edits. When ctx expires first the remaining
// edits are cancelled.
func (s *Server) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBackground()
		return nil
	case <-ctx.Done():
		s.cancelBackground()
		return ctx.Err()
	}
}

// RunJanitor drops idle sessions until ctx is cancelled.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.sessionTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	removed := s.sessions.Sweep(now.UTC().Add(-s.sessionTTL))
	for _, id := range removed {
		s.forgetAIStatus(id)
		s.logger.Printf("session expired session=%s", id)
	}
	s.metrics.activeSessions.Set(float64(s.sessions.Len()))
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrDecode),
		errors.Is(err, pipeline.ErrFormatUnavailable),
		errors.Is(err, domain.ErrUnknownFormat),
		errors.Is(err, domain.ErrUnknownDirection),
		errors.Is(err, domain.ErrUnknownAxis),
		errors.Is(err, editor.ErrEmptyInstruction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, editor.ErrNoImage),
		errors.Is(err, editor.ErrBusy),
		errors.Is(err, editor.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, editor.ErrAIEdit):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("request failed method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
