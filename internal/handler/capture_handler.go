package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"capture-sync/internal/domain"
	"capture-sync/internal/middleware"
	"capture-sync/internal/service"
	"capture-sync/pkg/response"
)

const maxUploadBytes = 20 << 20

type CaptureHandler struct {
	service *service.CaptureService
}

func NewCaptureHandler(service *service.CaptureService) *CaptureHandler {
	return &CaptureHandler{service: service}
}

func (h *CaptureHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	res, err := h.service.Enqueue(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

func (h *CaptureHandler) RecordWorkout(w http.ResponseWriter, r *http.Request) {
	var req domain.WorkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	res, err := h.service.RecordWorkout(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

func (h *CaptureHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req domain.ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	res, err := h.service.UpdateProfile(r.Context(), middleware.GetUserID(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

// SetProfilePhoto accepts either a multipart form with a "photo" part or the
// raw image as the request body.
func (h *CaptureHandler) SetProfilePhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	data, contentType, err := readImage(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "Photo too large")
			return
		}
		response.BadRequest(w, err.Error())
		return
	}

	res, err := h.service.SetProfilePhoto(r.Context(), middleware.GetUserID(r), data, contentType)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

func (h *CaptureHandler) RemoveProfilePhoto(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RemoveProfilePhoto(r.Context(), middleware.GetUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

func (h *CaptureHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var req domain.DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	res, err := h.service.CreateDocument(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	response.Accepted(w, res)
}

func readImage(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("photo")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		partType, _, _ := mime.ParseMediaType(header.Header.Get("Content-Type"))
		return data, partType, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty photo")
	}
	return data, mediaType, nil
}
