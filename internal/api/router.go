package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Wallet session
	api.HandleFunc("/wallet/connect", handler.HandleConnect).Methods(http.MethodPost)
	api.HandleFunc("/wallet/disconnect", handler.HandleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/wallet/account", handler.HandleGetAccount).Methods(http.MethodGet)

	// Rooms
	api.HandleFunc("/rooms", handler.HandleListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms", handler.HandleCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/estimate", handler.HandleEstimateCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}", handler.HandleGetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/permissions", handler.HandleGetPermissions).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/actions", handler.HandleGetRoomActions).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/join", handler.HandleJoinRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}/distribute", handler.HandleDistributePrizes).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}/join/estimate", handler.HandleEstimateJoinRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/distribute/estimate", handler.HandleEstimateDistributePrizes).Methods(http.MethodPost)

	// Transactions
	api.HandleFunc("/transactions", handler.HandleListPending).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{txHash}", handler.HandleGetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{txHash}", handler.HandleAbandonTransaction).Methods(http.MethodDelete)

	// Account history
	api.HandleFunc("/accounts/{address}/actions", handler.HandleGetAccountActions).Methods(http.MethodGet)

	// Messages
	api.HandleFunc("/messages", handler.HandleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/stream", handler.HandleStream).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// health probes and stream upgrades would drown the log
			log := logger.Info
			if r.URL.Path == "/health" || wrapped.statusCode == http.StatusSwitchingProtocols {
				log = logger.Debug
			}
			log("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
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

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					respondError(w, http.StatusInternalServerError, "Internal server error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
