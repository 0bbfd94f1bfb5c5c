package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/fitsync/internal/handlers"
)

// NewRouter wires the public health endpoints and the owner-scoped sync API.
func NewRouter(auth *handlers.AuthHandler, sync *handlers.SyncHandler, notifications *handlers.NotificationHandler, db handlers.Pinger, metrics http.Handler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	if db != nil {
		router.HandleFunc("/ready", handlers.ReadinessCheck(db)).Methods(http.MethodGet)
	}
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.HandleFunc("/sync/incremental", sync.StartIncremental).Methods(http.MethodPost)
	api.HandleFunc("/sync/historical", sync.StartHistorical).Methods(http.MethodPost)
	api.HandleFunc("/sync/status", sync.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/jobs/{jobID}/resume", sync.Resume).Methods(http.MethodPost)
	api.HandleFunc("/sync/jobs/{jobID}/cancel", sync.Cancel).Methods(http.MethodPost)

	if notifications != nil {
		api.HandleFunc("/notifications", notifications.List).Methods(http.MethodGet)
		api.HandleFunc("/notifications/{notificationID}/read", notifications.MarkRead).Methods(http.MethodPost)
	}

	return router
}
