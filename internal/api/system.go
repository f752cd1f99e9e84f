package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/flow"
)

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.upstream.Health())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.upstream.ForceReconnect(r.Context()); err != nil {
		s.logger.Error(r.Context(), "forced reconnect failed", "error", err)
		s.respond(w, r, http.StatusBadGateway, map[string]any{
			"status": "error",
			"error":  "reconnect failed",
			"health": s.upstream.Health(),
		})
		return
	}

	s.respond(w, r, http.StatusOK, map[string]any{
		"status": "reconnected",
		"health": s.upstream.Health(),
	})
}

// flowSummary is one entry of the flow listing, annotated with whether the
// flow can currently be purchased.
type flowSummary struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Sellable    bool     `json:"sellable"`
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.catalog.Flows(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "failed to list flows", "error", err)
		s.respondError(w, r, http.StatusBadGateway, "failed to list flows")
		return
	}

	cfgs, err := s.configs.List(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "failed to list flow configs", "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list flows")
		return
	}
	sellable := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		sellable[c.FlowKey] = c.Sellable()
	}

	out := make([]flowSummary, 0, len(flows))
	for _, f := range flows {
		out = append(out, flowSummary{
			Key:         f.Key,
			Name:        f.Name,
			Description: f.Description,
			Version:     f.Version,
			Author:      f.Author,
			Tags:        f.Tags,
			Sellable:    sellable[f.Key],
		})
	}

	s.respond(w, r, http.StatusOK, map[string]any{"flows": out})
}

// flowConfigRequest is the operator payload for enabling a flow for sale.
type flowConfigRequest struct {
	AgentIdentifier string `json:"agent_identifier" validate:"required"`
	SellerVKey      string `json:"seller_vkey"`
	Enabled         bool   `json:"enabled"`
}

func (s *Server) handleUpsertFlowConfig(w http.ResponseWriter, r *http.Request) {
	flowKey := chi.URLParam(r, "flowKey")

	var req flowConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cfg := flow.Config{
		FlowKey:         flowKey,
		AgentIdentifier: req.AgentIdentifier,
		SellerVKey:      req.SellerVKey,
		Enabled:         req.Enabled,
	}
	if existing, err := s.configs.Get(r.Context(), flowKey); err == nil {
		cfg.FlowName = existing.FlowName
		cfg.Description = existing.Description
	}

	if err := s.configs.Upsert(r.Context(), cfg); err != nil {
		s.logger.Error(r.Context(), "failed to upsert flow config", "flow_key", flowKey, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to store flow config")
		return
	}

	s.respond(w, r, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleListFlowConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.configs.List(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "failed to list flow configs", "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to list flow configs")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"configs": cfgs})
}
