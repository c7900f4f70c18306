package handler

import (
	"errors"
	"net/http"

	"capture-sync/internal/domain"
	"capture-sync/internal/service"
	"capture-sync/pkg/response"

	"github.com/go-playground/validator/v10"
)

// writeError maps service failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	var persistErr *domain.PersistenceError

	switch {
	case errors.As(err, &verrs), errors.Is(err, service.ErrInvalidCapture):
		response.BadRequest(w, err.Error())
	case errors.Is(err, service.ErrNoUser):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, service.ErrOperationNotFound), errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, service.ErrNotRetryable), errors.Is(err, service.ErrBlobInUse), errors.Is(err, service.ErrBlobNotUploaded):
		response.Conflict(w, err.Error())
	case errors.As(err, &persistErr):
		response.InternalError(w, "Local store failure")
	default:
		response.InternalError(w, "Internal error")
	}
}
