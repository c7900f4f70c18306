package handler

import (
	"capture-sync/internal/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Handlers struct {
	Capture *CaptureHandler
	Entity  *EntityHandler
	Sync    *SyncHandler
	Health  *HealthHandler
}

type RouterOptions struct {
	APIKey         string
	AllowedOrigins []string
	CurrentUser    func() string
	Logger         *zap.Logger
}

// NewRouter builds the local collaborator API.
func NewRouter(h Handlers, opts RouterOptions) *mux.Router {
	currentUser := opts.CurrentUser
	if currentUser == nil {
		currentUser = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()

	r.Use(middleware.UserMiddleware(currentUser))
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		opts.AllowedOrigins,
		"GET, POST, PUT, DELETE, OPTIONS",
		"Content-Type, Authorization",
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKeyMiddleware(opts.APIKey))

	api.HandleFunc("/operations", h.Capture.Enqueue).Methods("POST", "OPTIONS")
	api.HandleFunc("/workouts", h.Capture.RecordWorkout).Methods("POST", "OPTIONS")
	api.HandleFunc("/profile", h.Capture.UpdateProfile).Methods("PUT", "OPTIONS")
	api.HandleFunc("/profile/photo", h.Capture.SetProfilePhoto).Methods("POST", "OPTIONS")
	api.HandleFunc("/profile/photo", h.Capture.RemoveProfilePhoto).Methods("DELETE")
	api.HandleFunc("/documents", h.Capture.CreateDocument).Methods("POST", "OPTIONS")

	api.HandleFunc("/entities", h.Entity.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/entities/{id}", h.Entity.Get).Methods("GET", "OPTIONS")

	api.HandleFunc("/sync/status", h.Sync.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/drain", h.Sync.Drain).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/failed", h.Sync.ListFailed).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/failed/{seq}/retry", h.Sync.Retry).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/failed/{seq}", h.Sync.Discard).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/sync/conflicts", h.Sync.ListConflicts).Methods("GET", "OPTIONS")

	r.HandleFunc("/health", h.Health.Health).Methods("GET")

	return r
}
