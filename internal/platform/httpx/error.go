package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/orderflow/api/internal/platform/requestctx"
)

// Error is the canonical JSON error envelope every handler returns. Code is
// a stable machine-readable identifier; Message is for humans.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error, clamping code and message for safe logging.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clamp(code, 80),
		Message: clamp(message, 512),
		Status:  status,
	}
}

// WithRequestID overrides the request identifier attached to the envelope.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clamp(id, 80)
	return e
}

// WithTraceID overrides the trace identifier attached to the envelope.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clamp(id, 64)
	return e
}

// WithDetails attaches extra JSON-serialisable fields to the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError serialises the envelope, filling request and trace identifiers
// from the context when the caller did not set them.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := errorBody{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: err.RequestID,
		TraceID:   err.TraceID,
	}
	if body.RequestID == "" {
		body.RequestID = clamp(middleware.GetReqID(ctx), 80)
	}
	if body.TraceID == "" {
		body.TraceID = clamp(requestctx.TraceID(ctx), 64)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if len(err.Details) == 0 {
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	payload := map[string]any{
		"error":   body.Error,
		"message": body.Message,
		"status":  body.Status,
	}
	if body.RequestID != "" {
		payload["request_id"] = body.RequestID
	}
	if body.TraceID != "" {
		payload["trace_id"] = body.TraceID
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func clamp(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
