package handler

import (
	"net/http"

	"capture-sync/internal/service"
	"capture-sync/pkg/response"
)

type HealthHandler struct {
	monitor service.Monitor
}

func NewHealthHandler(monitor service.Monitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{
		"status":       "healthy",
		"connectivity": string(h.monitor.State()),
	})
}
