// Package web serves health, metrics, collector state and a live event feed over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hamzaKhattat/smdr-collector/internal/db"
	"github.com/hamzaKhattat/smdr-collector/internal/metrics"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/service"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Backend is the part of the service the HTTP layer reads from.
type Backend interface {
	State() service.State
	Recent(n int) []models.Record
	Hub() *service.Hub
	Store() *db.Store
}

type Server struct {
	backend  Backend
	metrics  *metrics.Metrics
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewServer serves the collector API. Browsers may open the event stream
// from the same origin or from one of allowedOrigins ("*" allows any).
func NewServer(backend Backend, m *metrics.Metrics, allowedOrigins ...string) *Server {
	s := &Server{
		backend: backend,
		metrics: m,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
	s.register()
	return s
}

func (s *Server) register() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/api/recent", s.handleRecent)
	s.mux.HandleFunc("/api/dashboard", s.handleDashboard)
	s.mux.HandleFunc("/ws/events", s.handleEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	log.Printf("[WEB] Listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	state := s.backend.State()
	if err := s.backend.Store().Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "database": err.Error(), "connection": string(state.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "connection": string(state.Status)})
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.backend.State())
}

func (s *Server) handleRecent(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records := s.backend.Recent(limit)
	if records == nil {
		records = []models.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDashboard(w http.ResponseWriter, req *http.Request) {
	date := req.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	m, err := s.backend.Store().DashboardMetrics(req.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleEvents streams service events as JSON text frames until either
// side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[WEB] Websocket upgrade failed: %v", err)
		return
	}
	hub := s.backend.Hub()
	sub := hub.Subscribe(0)
	log.Printf("[WEB] Event subscriber connected from %s", req.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		hub.Unsubscribe(sub)
		conn.Close()
		log.Printf("[WEB] Event subscriber %s disconnected (%d dropped)", req.RemoteAddr, sub.Dropped())
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), same-origin requests and the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set["*"] || set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
