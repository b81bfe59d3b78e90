// Package aiedit asks a Gemini image model for an edited copy of an image
// given a free-text instruction.
package aiedit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/"
	DefaultModel    = "gemini-2.5-flash-image"
)

var (
	ErrNotConfigured = errors.New("ai editing is not configured")
	ErrNoImage       = errors.New("ai response contained no image")
)

type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	// Timeout bounds one call. Zero means no timeout.
	Timeout time.Duration
}

// Request carries a base64 encoded still and the user's instruction.
type Request struct {
	ImageBase64 string
	MediaType   string
	Instruction string
}

type Response struct {
	ImageBase64 string
	MediaType   string
}

type Client struct {
	genai  *genai.Client
	model  string
	tracer trace.Tracer
}

// NewClient returns ErrNotConfigured without an API key. The key is never
// picked up from the environment implicitly.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL: strings.TrimRight(endpoint, "/") + "/",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Client{
		genai:  gc,
		model:  model,
		tracer: otel.Tracer("optipix/aiedit"),
	}, nil
}

// Edit sends one request and returns the first image part of the answer.
// There is no retry: a failed call is reported to the user as is.
func (c *Client) Edit(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "aiedit.generate_content", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("ai.model", c.model),
		attribute.Int("ai.instruction_length", len(req.Instruction)),
	)
	defer span.End()

	resp, err := c.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate content failed")
		return Response{}, err
	}
	span.SetStatus(codes.Ok, "edited")
	return resp, nil
}

func (c *Client) generate(ctx context.Context, req Request) (Response, error) {
	image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return Response{}, fmt.Errorf("decode request image: %w", err)
	}
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mediaType),
			genai.NewPartFromText(req.Instruction),
		}, genai.RoleUser),
	}

	out, err := c.genai.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Response{}, fmt.Errorf("generate content returned status=%d: %s", apiErr.Code, apiErr.Message)
		}
		return Response{}, fmt.Errorf("generate content: %w", err)
	}

	for _, cand := range out.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return Response{
					ImageBase64: base64.StdEncoding.EncodeToString(p.InlineData.Data),
					MediaType:   p.InlineData.MIMEType,
				}, nil
			}
		}
	}
	return Response{}, ErrNoImage
}
