package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/models"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// DefinitionRegistry matches repository.DefinitionRepository.
type DefinitionRegistry interface {
	FindAll(ctx context.Context, tenant string) (*[]domain.WorkflowDefinition, error)
	FindLatest(ctx context.Context, tenant, name string) (*domain.WorkflowDefinition, error)
	FindByNameVersion(ctx context.Context, tenant, name string, version int) (*domain.WorkflowDefinition, error)
	Publish(ctx context.Context, d *domain.WorkflowDefinition) (int, error)
}

// DefinitionsController serves the versioned workflow definition registry.
type DefinitionsController struct {
	DefinitionRepo DefinitionRegistry
}

func NewDefinitionsController(definitionRepo DefinitionRegistry) *DefinitionsController {
	return &DefinitionsController{DefinitionRepo: definitionRepo}
}

func (c *DefinitionsController) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	result, err := c.DefinitionRepo.FindAll(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list definitions", "error", err)
		http.Error(w, "failed to list definitions", http.StatusInternalServerError)
		return
	}
	out := make([]models.DefinitionApiResponse, 0, len(*result))
	for i := range *result {
		// listings omit the graph body, it can be large
		out = append(out, mapDefinitionToApi(&(*result)[i], false))
	}
	writeJSON(w, out)
}

func (c *DefinitionsController) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	var (
		result *domain.WorkflowDefinition
		err    error
	)
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil || version < 1 {
			http.Error(w, "version is a positive integer", http.StatusBadRequest)
			return
		}
		result, err = c.DefinitionRepo.FindByNameVersion(r.Context(), tenantFrom(r.Context()), name, version)
	} else {
		result, err = c.DefinitionRepo.FindLatest(r.Context(), tenantFrom(r.Context()), name)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "definition not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "Failed to load definition", "name", name, "error", err)
		http.Error(w, "failed to load definition", http.StatusInternalServerError)
		return
	}
	writeJSON(w, mapDefinitionToApi(result, true))
}

type publishDefinitionRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Author      string          `json:"author"`
	Graph       json.RawMessage `json:"graph"`
}

// handlePublishDefinition stores a new immutable version. The graph is parsed
// and validated before anything is written.
func (c *DefinitionsController) handlePublishDefinition(w http.ResponseWriter, r *http.Request) {
	var req publishDefinitionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Graph) == 0 {
		http.Error(w, "name and graph are required", http.StatusBadRequest)
		return
	}
	if _, err := graph.Parse(req.Graph); err != nil {
		http.Error(w, "invalid graph: "+err.Error(), http.StatusBadRequest)
		return
	}

	def := &domain.WorkflowDefinition{
		Tenant:      tenantFrom(r.Context()),
		Name:        req.Name,
		Description: req.Description,
		Graph:       string(req.Graph),
	}
	if len(req.Tags) > 0 {
		b, err := json.Marshal(req.Tags)
		if err != nil {
			http.Error(w, "invalid tags", http.StatusBadRequest)
			return
		}
		def.Tags.String = string(b)
		def.Tags.Valid = true
	}
	if req.Author == "" {
		req.Author = userFrom(r.Context())
	}
	if req.Author != "" {
		def.Author.String = req.Author
		def.Author.Valid = true
	}

	version, err := c.DefinitionRepo.Publish(r.Context(), def)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to publish definition", "name", req.Name, "error", err)
		http.Error(w, "failed to publish definition", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "Published workflow definition", "name", req.Name, "version", version)
	writeJSON(w, map[string]any{"name": req.Name, "version": version})
}

func mapDefinitionToApi(d *domain.WorkflowDefinition, includeGraph bool) models.DefinitionApiResponse {
	resp := models.DefinitionApiResponse{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Created:     d.Created,
	}
	if d.Tags.Valid && len(d.Tags.String) > 0 {
		if err := json.Unmarshal([]byte(d.Tags.String), &resp.Tags); err != nil {
			slog.Warn("Failed to parse definition tags", "name", d.Name, "error", err)
		}
	}
	if d.Author.Valid {
		resp.Author = d.Author.String
	}
	if includeGraph {
		resp.Graph = json.RawMessage(d.Graph)
	}
	return resp
}
