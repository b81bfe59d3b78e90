package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/optipix/internal/editor"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dunamismax/optipix/internal/store"
	"github.com/dunamismax/optipix/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	aiEditRunning    = "running"
	aiEditCompleted  = "completed"
	aiEditFailed     = "failed"
	aiEditSuperseded = "superseded"
)

type aiEditRequest struct {
	Instruction string `json:"instruction"`
}

// aiEditStatus is the outcome of the latest AI edit of a session.
type aiEditStatus struct {
	Status      string    `json:"status"`
	Instruction string    `json:"instruction"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

func (s *Server) handleAIEdit(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.ai == nil {
		writeError(w, http.StatusServiceUnavailable, "ai editing is not configured")
		return
	}

	var req aiEditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	edit, err := entry.Session.BeginAIEdit(req.Instruction)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := aiEditStatus{
		Status:      aiEditRunning,
		Instruction: edit.Instruction(),
		StartedAt:   time.Now().UTC(),
	}
	s.storeAIStatus(entry.Session.ID(), status)
	s.metrics.aiEdits.WithLabelValues("started").Inc()

	link := trace.LinkFromContext(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.runAIEdit(entry, edit, status, link)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": entry.Session.ID(),
		"status":     status.Status,
		"status_url": "/v1/sessions/" + entry.Session.ID(),
	})
}

// runAIEdit outlives the request that started it.
func (s *Server) runAIEdit(entry store.Entry, edit *editor.AIEdit, status aiEditStatus, link trace.Link) {
	ctx := s.backgroundCtx
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "ai_edit.run", trace.WithLinks(link))
		span.SetAttributes(attribute.String("session.id", entry.Session.ID()))
		defer span.End()
	}

	payload := webhook.AIEditPayload{
		SessionID:   entry.Session.ID(),
		Instruction: status.Instruction,
	}
	event := webhook.EventAIEditCompleted

	// The final status is recorded before the session drops its busy flag.
	edit.OnFinish(func(frame pipeline.Frame, err error) {
		status.FinishedAt = time.Now().UTC()
		switch {
		case err == nil:
			status.Status = aiEditCompleted
			b := frame.Image.Bounds()
			payload.Width, payload.Height = b.Dx(), b.Dy()
		case errors.Is(err, editor.ErrSuperseded):
			status.Status = aiEditSuperseded
			status.Error = err.Error()
			event = webhook.EventAIEditFailed
		default:
			status.Status = aiEditFailed
			status.Error = err.Error()
			event = webhook.EventAIEditFailed
		}
		s.storeAIStatus(entry.Session.ID(), status)
	})

	if _, err := edit.Run(ctx); err != nil {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.Status)
		}
	}
	payload.Status = status.Status
	payload.Error = status.Error
	payload.FinishedAt = status.FinishedAt

	s.metrics.aiEdits.WithLabelValues(status.Status).Inc()
	s.logger.Printf("ai edit finished session=%s status=%s", entry.Session.ID(), status.Status)

	if s.notifier == nil || entry.WebhookURL == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.notifier.Send(sendCtx, entry.WebhookURL, event, payload); err != nil {
		s.logger.Printf("webhook delivery failed session=%s event=%s err=%v", entry.Session.ID(), event, err)
	}
}

// storeAIStatus drops the status of a session that no longer exists. Delete
// and sweep remove the session before forgetting its status, so checking
// under aiMu cannot resurrect an entry.
func (s *Server) storeAIStatus(sessionID string, status aiEditStatus) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	if _, ok := s.sessions.Get(sessionID); !ok {
		return
	}
	s.aiStatus[sessionID] = status
}

func (s *Server) lookupAIStatus(sessionID string) (aiEditStatus, bool) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	status, ok := s.aiStatus[sessionID]
	return status, ok
}

func (s *Server) forgetAIStatus(sessionID string) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	delete(s.aiStatus, sessionID)
}
