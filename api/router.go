package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/api/health", h.HealthCheck).Methods("GET")

	// Engine status
	r.HandleFunc("/api/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/runlog", h.GetRunLog).Methods("GET")

	// Lifecycle control
	simRouter := r.PathPrefix("/api/simulation").Subrouter()
	simRouter.HandleFunc("/start", h.StartSimulation).Methods("POST")
	simRouter.HandleFunc("/stop", h.StopSimulation).Methods("POST")
	simRouter.HandleFunc("/pause", h.PauseSimulation).Methods("POST")
	simRouter.HandleFunc("/resume", h.ResumeSimulation).Methods("POST")
	simRouter.HandleFunc("/reset", h.ResetSimulation).Methods("POST")

	// Config management
	r.HandleFunc("/api/config", h.GetConfig).Methods("GET")
	r.HandleFunc("/api/config", h.UpdateConfig).Methods("PUT")
	r.HandleFunc("/api/scenarios", h.GetScenarios).Methods("GET")

	// Gap-fill control
	gapRouter := r.PathPrefix("/api/gapfill").Subrouter()
	gapRouter.HandleFunc("", h.RequestGapFill).Methods("POST")
	gapRouter.HandleFunc("/progress", h.GetGapFillProgress).Methods("GET")
	gapRouter.HandleFunc("/cancel", h.CancelGapFill).Methods("POST")

	// Event stream (websocket)
	r.HandleFunc("/ws", h.ServeWebSocket)

	return r
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(next)
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Printf("[API] %s %s %d %s", r.Method, r.RequestURI, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
