package handler

import (
	"net/http"

	"capture-sync/internal/service"
	"capture-sync/pkg/response"

	"github.com/gorilla/mux"
)

type EntityHandler struct {
	cache *service.CacheService
}

func NewEntityHandler(cache *service.CacheService) *EntityHandler {
	return &EntityHandler{cache: cache}
}

func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["id"]
	if entityID == "" {
		response.BadRequest(w, "Entity ID is required")
		return
	}

	rec, ok := h.cache.Get(entityID)
	if !ok {
		response.NotFound(w, "Entity not found")
		return
	}
	response.Success(w, rec)
}

func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.cache.List(r.URL.Query().Get("type")))
}
