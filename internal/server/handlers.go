// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/models"
	"github.com/Dropicx/docworker-sub003/internal/pipeline"
	"github.com/Dropicx/docworker-sub003/internal/services"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	jobs        *services.JobService
	costs       *services.CostService
	pipelineSvc *services.PipelineService
}

// NewHandlers creates the handler set.
func NewHandlers(jobs *services.JobService, costs *services.CostService, pipelineSvc *services.PipelineService) *Handlers {
	return &Handlers{jobs: jobs, costs: costs, pipelineSvc: pipelineSvc}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var cfgErr *pipeline.ConfigError
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, services.ErrMissingFilename),
		errors.Is(err, services.ErrEmptyUpload),
		errors.Is(err, services.ErrInvalidOption):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrResultNotReady):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "context": err.Error()})
	}
}

// --- document handlers ---

// UploadDocument handles POST /api/v1/documents (multipart: file + options).
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form", "context": err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload", "context": err.Error()})
		return
	}

	options := models.JSONMap{}
	if v := r.FormValue(models.OptionTargetLanguage); v != "" {
		options[models.OptionTargetLanguage] = v
	}
	if v := r.FormValue(models.OptionDocumentTypeHint); v != "" {
		options[models.OptionDocumentTypeHint] = v
	}

	job, err := h.jobs.Upload(r.Context(), services.UploadRequest{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Content:  content,
		Options:  options,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// ListDocuments handles GET /api/v1/documents
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	jobs, err := h.jobs.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": jobs})
}

// GetDocument handles GET /api/v1/documents/{pid}
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Status(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetResult handles GET /api/v1/documents/{pid}/result
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Result(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processing_id": job.ProcessingID,
		"status":        job.Status,
		"result":        job.ResultData,
		"error_message": job.ErrorMessage,
	})
}

// GetSteps handles GET /api/v1/documents/{pid}/steps
func (h *Handlers) GetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.jobs.Steps(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// CancelDocument handles POST /api/v1/documents/{pid}/cancel
func (h *Handlers) CancelDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "pid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// --- cost handlers ---

// GetCostSummary handles GET /api/v1/costs/summary?since=...&until=...
func (h *Handlers) GetCostSummary(w http.ResponseWriter, r *http.Request) {
	var since, until time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	if v := r.URL.Query().Get("until"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "until must be RFC3339"})
			return
		}
		until = parsed
	}

	summary, err := h.costs.Summary(r.Context(), since, until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetJobCosts handles GET /api/v1/costs/{pid}
func (h *Handlers) GetJobCosts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.costs.ForJob(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// --- pipeline administration ---

// ListPipelineSteps handles GET /api/v1/pipeline/steps
func (h *Handlers) ListPipelineSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.pipelineSvc.ListSteps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// SavePipelineStep handles POST /api/v1/pipeline/steps
func (h *Handlers) SavePipelineStep(w http.ResponseWriter, r *http.Request) {
	var step models.PipelineStep
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid step payload", "context": err.Error()})
		return
	}
	if err := h.pipelineSvc.SaveStep(r.Context(), &step); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// DeletePipelineStep handles DELETE /api/v1/pipeline/steps/{id}
func (h *Handlers) DeletePipelineStep(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid step id"})
		return
	}
	if err := h.pipelineSvc.DeleteStep(r.Context(), uint(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListDocumentClasses handles GET /api/v1/pipeline/classes
func (h *Handlers) ListDocumentClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := h.pipelineSvc.ListClasses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"classes": classes})
}

// SaveDocumentClass handles POST /api/v1/pipeline/classes
func (h *Handlers) SaveDocumentClass(w http.ResponseWriter, r *http.Request) {
	var class models.DocumentClass
	if err := json.NewDecoder(r.Body).Decode(&class); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid class payload", "context": err.Error()})
		return
	}
	if err := h.pipelineSvc.SaveClass(r.Context(), &class); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, class)
}

// DeleteDocumentClass handles DELETE /api/v1/pipeline/classes/{id}
func (h *Handlers) DeleteDocumentClass(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid class id"})
		return
	}
	if err := h.pipelineSvc.DeleteClass(r.Context(), uint(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListModels handles GET /api/v1/pipeline/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	specs, err := h.pipelineSvc.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": specs})
}

// SaveModel handles POST /api/v1/pipeline/models
func (h *Handlers) SaveModel(w http.ResponseWriter, r *http.Request) {
	var spec models.ModelSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid model payload", "context": err.Error()})
		return
	}
	if err := h.pipelineSvc.SaveModel(r.Context(), &spec); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// ValidatePipeline handles GET /api/v1/pipeline/validate
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.pipelineSvc.ValidateConfiguration(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
