package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Bookings
	mux.HandleFunc("/api/bookings", s.handleBookingsRoute)  // GET (list), POST (submit)
	mux.HandleFunc("/api/bookings/", s.handleBookingRoutes) // GET /{id}, GET /{id}/qr, POST /{id}/cancel, GET /{id}/deadletters

	// API routes - Service
	mux.HandleFunc("/api/health", s.app.HealthHandler.HealthCheckHandler)
	mux.HandleFunc("/api/version", s.app.HealthHandler.VersionHandler)

	return mux
}

// handleBookingsRoute dispatches /api/bookings by method
func (s *Server) handleBookingsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.BookingHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.BookingHandler.SubmitHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBookingRoutes dispatches /api/bookings/{id}[/...] by path suffix
func (s *Server) handleBookingRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/bookings/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Booking ID is required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.BookingHandler.GetHandler(w, r, jobID)
		return
	}

	switch parts[1] {
	case "qr":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.BookingHandler.QRHandler(w, r, jobID)
	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.BookingHandler.CancelHandler(w, r, jobID)
	case "deadletters":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.app.BookingHandler.DeadLettersHandler(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
