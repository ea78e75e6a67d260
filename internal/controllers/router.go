package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *ExecutionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/executions/overview", RequireTenant(c.handleOverview))
	mux.HandleFunc("GET /api/executions/{id}", RequireTenant(c.handleGetExecution))
	mux.HandleFunc("POST /api/executions/search", RequireTenant(c.handleSearchExecutions))
	mux.HandleFunc("GET /api/executions/{id}/events", RequireTenant(c.handleListEvents))
	mux.HandleFunc("POST /api/executions/{id}/pause", RequireTenant(c.handlePause))
	mux.HandleFunc("POST /api/executions/{id}/resume", RequireTenant(c.handleResume))
	mux.HandleFunc("POST /api/executions/{id}/cancel", RequireTenant(c.handleCancel))
}

func (c *TasksController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/executions/{id}/tasks", RequireTenant(c.handleListTasks))
	mux.HandleFunc("GET /api/tasks/{id}", RequireTenant(c.handleGetTask))
	mux.HandleFunc("GET /api/tasks/{id}/history", RequireTenant(c.handleTaskHistory))
	mux.HandleFunc("POST /api/tasks/{id}/claim", RequireTenant(c.handleClaimTask))
	mux.HandleFunc("POST /api/tasks/{id}/complete", RequireTenant(c.handleCompleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", RequireTenant(c.handleCancelTask))
}

func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/definitions", RequireTenant(c.handleListDefinitions))
	mux.HandleFunc("POST /api/definitions", RequireTenant(c.handlePublishDefinition))
	mux.HandleFunc("GET /api/definitions/{name}", RequireTenant(c.handleGetDefinition))
}
