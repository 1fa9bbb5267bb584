package api

import (
	"docsync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovered panics land in the request span
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(allowedOrigins))

	api := r.PathPrefix("/api").Subrouter()

	// Registered before /collaboration/{id} so it is not taken for a document id
	api.HandleFunc("/collaboration/documents", h.ProvisionDocument).Methods("POST", "OPTIONS")
	api.HandleFunc("/collaboration/{id}", h.GetCollaboration).Methods("GET", "OPTIONS")
	api.HandleFunc("/collaboration/{id}", h.UpdateCollaboration).Methods("POST", "OPTIONS")

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws", h.HandleDocumentWebSocket)
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentWebSocket)

	return r
}
