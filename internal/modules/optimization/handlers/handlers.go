// Package handlers provides HTTP handlers for optimization and export runs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/saa/internal/clients/webhook"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/modules/jobs"
	"github.com/aristath/saa/internal/modules/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies; inline market data can be large
const maxBodyBytes = 32 << 20

// Optimizer runs the allocation pipeline
type Optimizer interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Handler handles optimization HTTP requests
type Handler struct {
	optimizer Optimizer
	generator *jobs.Generator
	log       zerolog.Logger
}

// NewHandler creates a new optimization handler
func NewHandler(optimizer Optimizer, generator *jobs.Generator, log zerolog.Logger) *Handler {
	return &Handler{
		optimizer: optimizer,
		generator: generator,
		log:       log.With().Str("handler", "optimization").Logger(),
	}
}

// ErrorBody is the error part of a failed response
type ErrorBody struct {
	Kind           string                           `json:"kind"`
	Stage          string                           `json:"stage,omitempty"`
	Message        string                           `json:"message"`
	Recommendation string                           `json:"recommendation,omitempty"`
	Mitigations    []domain.Mitigation              `json:"mitigations,omitempty"`
	Diagnostics    map[string]float64               `json:"diagnostics,omitempty"`
	Fields         map[string][]pipeline.FieldError `json:"fields,omitempty"`
}

// HandleOptimize handles POST /api/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.optimizer.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeData(w, r, http.StatusOK, res)
}

// HandleGenerate handles POST /api/generate. With a webhook the run is
// accepted and processed in the background; otherwise the workbook
// locations are returned when the upload completes.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if !h.decode(w, r, &req) {
		return
	}

	if missing := req.MissingFields(); len(missing) > 0 {
		fields := make(map[string][]pipeline.FieldError, len(missing))
		for _, f := range missing {
			fields[f.Field] = append(fields[f.Field], f)
		}
		h.writeErrorBody(w, r, http.StatusUnprocessableEntity, ErrorBody{
			Kind:    string(domain.KindInputValidation),
			Message: "required fields are missing",
			Fields:  fields,
		})
		return
	}

	if req.Webhook != nil {
		if err := req.Webhook.Validate(); err != nil {
			var ve *webhook.ValidationError
			code := webhook.CodeInvalidURL
			if errors.As(err, &ve) {
				code = ve.Code
			}
			h.writeErrorBody(w, r, http.StatusBadRequest, ErrorBody{
				Kind:    string(domain.KindInputValidation),
				Message: err.Error(),
				Fields: map[string][]pipeline.FieldError{
					"webhook": {{Field: "webhook", Code: code, Message: err.Error()}},
				},
			})
			return
		}
	}

	// Reject bad optimization parameters before any work is queued
	if _, err := req.Request.Normalize(); err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.generator == nil || !h.generator.Enabled() {
		h.writeErrorBody(w, r, http.StatusServiceUnavailable, ErrorBody{
			Kind:    "ServiceUnavailable",
			Message: jobs.ErrStorageDisabled.Error(),
		})
		return
	}

	if req.Webhook != nil {
		rec, err := h.generator.Submit(req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeData(w, r, http.StatusAccepted, map[string]interface{}{
			"jobId":   rec.ID,
			"status":  rec.Status,
			"message": "Request accepted and processing started",
		})
		return
	}

	files, err := h.generator.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, r, http.StatusOK, map[string]interface{}{
		"status": jobs.StatusCompleted,
		"files":  files,
	})
}

// HandleGetJob handles GET /api/generate/{jobId}
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	if h.generator == nil {
		h.writeErrorBody(w, r, http.StatusNotFound, ErrorBody{Kind: "NotFound", Message: "job not found"})
		return
	}

	rec, ok := h.generator.Registry().Get(id)
	if !ok {
		h.writeErrorBody(w, r, http.StatusNotFound, ErrorBody{Kind: "NotFound", Message: "job not found"})
		return
	}
	h.writeData(w, r, http.StatusOK, rec)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.log.Debug().Err(err).Msg("Failed to decode request body")
		h.writeErrorBody(w, r, http.StatusBadRequest, ErrorBody{
			Kind:    "BadRequest",
			Message: "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// StatusFor maps an error to its HTTP status
func StatusFor(err error) int {
	if e, ok := domain.AsError(err); ok {
		switch e.Kind {
		case domain.KindInputValidation, domain.KindLiquidityModeMismatch:
			return http.StatusUnprocessableEntity
		case domain.KindConstraintInfeasible:
			return http.StatusConflict
		case domain.KindNotConverged:
			return http.StatusInternalServerError
		}
	}
	switch {
	case errors.Is(err, jobs.ErrStorageDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := ErrorBody{Kind: "InternalError", Message: err.Error()}

	if e, ok := domain.AsError(err); ok {
		body = ErrorBody{
			Kind:           string(e.Kind),
			Stage:          e.Stage,
			Message:        e.Message,
			Recommendation: e.Recommendation,
			Mitigations:    e.Mitigations,
			Diagnostics:    e.Diagnostics,
		}
		var fe pipeline.FieldError
		if errors.As(err, &fe) {
			body.Fields = map[string][]pipeline.FieldError{fe.Field: {fe}}
		}
	}

	event := h.log.Warn()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request failed")

	h.writeErrorBody(w, r, status, body)
}

func (h *Handler) writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":    body,
		"metadata": metadata(r),
	})
}

func (h *Handler) writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	h.writeJSON(w, status, map[string]interface{}{
		"data":     data,
		"metadata": metadata(r),
	})
}

func metadata(r *http.Request) map[string]interface{} {
	id := middleware.GetReqID(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	return map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": id,
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
