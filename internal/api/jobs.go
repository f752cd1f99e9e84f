package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/app/orchestration"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
)

// startJobRequest is the job submission payload purchasers send.
type startJobRequest struct {
	IdentifierFromPurchaser string         `json:"identifier_from_purchaser" validate:"required,min=1,max=256"`
	InputData               map[string]any `json:"input_data" validate:"required"`
}

// startJobResponse returns everything the purchaser needs to pay.
type startJobResponse struct {
	Status                  string `json:"status"`
	JobID                   string `json:"job_id"`
	BlockchainIdentifier    string `json:"blockchainIdentifier"`
	PayByTime               int64  `json:"payByTime"`
	SubmitResultTime        int64  `json:"submitResultTime"`
	SellerVKey              string `json:"sellerVKey,omitempty"`
	IdentifierFromPurchaser string `json:"identifierFromPurchaser"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	flowKey := chi.URLParam(r, "flowKey")

	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	jobRun, details, err := s.orch.CreateRun(r.Context(), flowKey, req.InputData, req.IdentifierFromPurchaser)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrNotFound):
			s.respondError(w, r, http.StatusNotFound, "unknown flow")
		case errors.Is(err, orchestration.ErrNotSellable):
			s.respondError(w, r, http.StatusForbidden, "flow is not configured for sale")
		default:
			s.logger.Error(r.Context(), "failed to create run", "flow_key", flowKey, "error", err)
			s.respondError(w, r, http.StatusInternalServerError, "failed to create job")
		}
		return
	}

	s.respond(w, r, http.StatusOK, startJobResponse{
		Status:                  "success",
		JobID:                   jobRun.ID().String(),
		BlockchainIdentifier:    details.BlockchainIdentifier,
		PayByTime:               details.PayByTime,
		SubmitResultTime:        details.SubmitResultTime,
		SellerVKey:              details.SellerVKey,
		IdentifierFromPurchaser: req.IdentifierFromPurchaser,
	})
}

// jobStatusResponse is the externally visible run state.
type jobStatusResponse struct {
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	id, err := uuid.Parse(jobID)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "job_id must be a valid UUID")
		return
	}

	jobRun, err := s.orch.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			s.respondError(w, r, http.StatusNotFound, "unknown job")
			return
		}
		s.logger.Error(r.Context(), "failed to load run", "run_id", jobID, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to load job")
		return
	}

	resp := jobStatusResponse{
		JobID:  jobRun.ID().String(),
		Status: string(jobRun.CallerStatus()),
	}
	switch jobRun.Status() {
	case run.StatusFinished:
		resp.Result = jobRun.Result()
	case run.StatusError, run.StatusTimeout, run.StatusCancelled:
		resp.Message = jobRun.ErrorMessage()
	}

	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleInputSchema(w http.ResponseWriter, r *http.Request) {
	flowKey := chi.URLParam(r, "flowKey")

	schema, err := s.catalog.Schema(r.Context(), flowKey)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			s.respondError(w, r, http.StatusNotFound, "unknown flow")
			return
		}
		s.logger.Error(r.Context(), "failed to fetch schema", "flow_key", flowKey, "error", err)
		s.respondError(w, r, http.StatusBadGateway, "failed to fetch input schema")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(schema)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	flowKey := chi.URLParam(r, "flowKey")

	if _, err := s.catalog.Lookup(r.Context(), flowKey); err != nil {
		s.respond(w, r, http.StatusOK, map[string]string{
			"status":  "unavailable",
			"message": "flow is not deployed",
		})
		return
	}

	cfg, err := s.configs.Get(r.Context(), flowKey)
	if err != nil || !cfg.Sellable() {
		s.respond(w, r, http.StatusOK, map[string]string{
			"status":  "unavailable",
			"message": "flow is not configured for sale",
		})
		return
	}

	if !s.upstream.Health().IsHealthy {
		s.respond(w, r, http.StatusOK, map[string]string{
			"status":  "unavailable",
			"message": "upstream connection is unhealthy",
		})
		return
	}

	s.respond(w, r, http.StatusOK, map[string]string{
		"status": "available",
		"type":   "masumi-agent",
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "run id must be a valid UUID")
		return
	}

	jobRun, err := s.orch.CancelRun(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrNotFound):
			s.respondError(w, r, http.StatusNotFound, "unknown run")
		case errors.Is(err, run.ErrTerminal):
			s.respondError(w, r, http.StatusConflict, "run already finished")
		default:
			s.logger.Error(r.Context(), "failed to cancel run", "run_id", id.String(), "error", err)
			s.respondError(w, r, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}

	s.respond(w, r, http.StatusOK, jobStatusResponse{
		JobID:   jobRun.ID().String(),
		Status:  string(jobRun.CallerStatus()),
		Message: jobRun.ErrorMessage(),
	})
}
