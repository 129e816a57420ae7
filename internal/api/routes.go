package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes. metrics may be nil.
func SetupRoutes(handler *Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Strategy routes
	api.HandleFunc("/strategies", handler.ListStrategies).Methods("GET")
	api.HandleFunc("/strategies", handler.CreateStrategy).Methods("POST")
	api.HandleFunc("/strategies/{id}", handler.GetStrategy).Methods("GET")
	api.HandleFunc("/strategies/{id}", handler.DeleteStrategy).Methods("DELETE")
	api.HandleFunc("/strategies/{id}/activate", handler.ActivateStrategy).Methods("POST")
	api.HandleFunc("/strategies/{id}/deactivate", handler.DeactivateStrategy).Methods("POST")

	// Ledger routes
	api.HandleFunc("/positions", handler.ListPositions).Methods("GET")
	api.HandleFunc("/positions/{id}", handler.DeletePosition).Methods("DELETE")
	api.HandleFunc("/positions/{id}/trades", handler.ListPositionTrades).Methods("GET")
	api.HandleFunc("/trades", handler.ListTrades).Methods("GET")
	api.HandleFunc("/intents", handler.ListIntents).Methods("GET")
	api.HandleFunc("/orders/{order_id}/cancel", handler.CancelOrder).Methods("POST")

	return r
}
