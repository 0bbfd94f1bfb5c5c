package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/authz"
	"github.com/stanstork/fitsync/internal/service"
)

// SyncController is the job control plane the handler exposes.
type SyncController interface {
	StartIncremental(ctx context.Context, ownerID string, metricTypes []string) (service.StartResult, error)
	StartHistorical(ctx context.Context, ownerID string, req service.HistoricalRequest) (service.StartResult, error)
	GetStatus(ctx context.Context, ownerID string) (service.StatusResult, error)
	Resume(ctx context.Context, ownerID, jobID string) (service.ActionResult, error)
	Cancel(ctx context.Context, ownerID, jobID string) (service.ActionResult, error)
}

type SyncHandler struct {
	controller SyncController
	logger     zerolog.Logger
}

func NewSyncHandler(controller SyncController, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		controller: controller,
		logger:     logger.With().Str("handler", "sync").Logger(),
	}
}

type incrementalRequest struct {
	MetricTypes []string `json:"metric_types"`
}

type historicalRequest struct {
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	MetricTypes  []string `json:"metric_types"`
	SkipExisting *bool    `json:"skip_existing"`
}

func (h *SyncHandler) StartIncremental(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing owner context")
		return
	}

	var payload incrementalRequest
	// The body is optional for incremental syncs.
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	result, err := h.controller.StartIncremental(r.Context(), ownerID, payload.MetricTypes)
	if err != nil {
		h.writeServiceError(w, err, "Failed to start incremental sync")
		return
	}
	writeJSON(w, startStatusCode(result), result)
}

func (h *SyncHandler) StartHistorical(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing owner context")
		return
	}

	var payload historicalRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	result, err := h.controller.StartHistorical(r.Context(), ownerID, service.HistoricalRequest{
		StartDate:    payload.StartDate,
		EndDate:      payload.EndDate,
		MetricTypes:  payload.MetricTypes,
		SkipExisting: payload.SkipExisting,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to start historical sync")
		return
	}
	writeJSON(w, startStatusCode(result), result)
}

func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing owner context")
		return
	}

	status, err := h.controller.GetStatus(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get sync status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *SyncHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.controller.Resume, "Failed to resume sync job")
}

func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.controller.Cancel, "Failed to cancel sync job")
}

func (h *SyncHandler) jobAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, string) (service.ActionResult, error), failure string) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing owner context")
		return
	}
	jobID := strings.TrimSpace(mux.Vars(r)["jobID"])
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	result, err := action(r.Context(), ownerID, jobID)
	if err != nil {
		h.writeServiceError(w, err, failure)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Sync job not found")
	case errors.Is(err, service.ErrProviderNotLinked):
		writeError(w, http.StatusNotFound, "No provider account linked")
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrActiveJobExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func startStatusCode(result service.StartResult) int {
	if result.Status == service.StartStatusStarted {
		return http.StatusAccepted
	}
	return http.StatusOK
}
