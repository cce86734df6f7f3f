package handlers

import (
	"net/http"

	"fleet-svc/app/clients"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	storage clients.StorageAdapter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(storage clients.StorageAdapter) *HealthHandler {
	return &HealthHandler{storage: storage}
}

// Health handles liveness check
func (h *HealthHandler) Health(c *gin.Context) {
	respondJSON(c, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles readiness check; the store must answer.
func (h *HealthHandler) Ready(c *gin.Context) {
	if _, err := h.storage.ListMachines(c.Request.Context()); err != nil {
		respondJSON(c, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
		})
		return
	}
	respondJSON(c, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
