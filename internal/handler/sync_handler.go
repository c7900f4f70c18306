package handler

import (
	"net/http"
	"strconv"

	"capture-sync/internal/service"
	"capture-sync/pkg/response"

	"github.com/gorilla/mux"
)

const defaultConflictLimit = 50

type SyncHandler struct {
	syncService     *service.SyncService
	conflictService *service.ConflictService
}

func NewSyncHandler(syncService *service.SyncService, conflictService *service.ConflictService) *SyncHandler {
	return &SyncHandler{
		syncService:     syncService,
		conflictService: conflictService,
	}
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncService.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, status)
}

// Drain runs one drain pass and reports what it did.
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncService.Drain(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, report)
}

func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.syncService.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, ops)
}

func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	op, err := h.syncService.Retry(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, op)
}

func (h *SyncHandler) Discard(w http.ResponseWriter, r *http.Request) {
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	op, err := h.syncService.Discard(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, op)
}

func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if entityID := query.Get("entity_id"); entityID != "" {
		conflicts, err := h.conflictService.ConflictsFor(r.Context(), entityID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Success(w, conflicts)
		return
	}

	limit := defaultConflictLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(w, "Invalid limit")
			return
		}
		limit = n
	}

	conflicts, err := h.conflictService.ListConflicts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, conflicts)
}

func parseSeq(w http.ResponseWriter, r *http.Request) (int64, bool) {
	seq, err := strconv.ParseInt(mux.Vars(r)["seq"], 10, 64)
	if err != nil || seq < 1 {
		response.BadRequest(w, "Invalid operation sequence")
		return 0, false
	}
	return seq, true
}
