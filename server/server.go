// Package server exposes the group state to local consumers (the UI and
// notification surfaces) over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sellmair/broadheart/group"
	"github.com/sellmair/broadheart/logger"
)

var upgrader = websocket.Upgrader{
	// Consumers are local processes; no cross-origin policy to enforce.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves group snapshots.
type Server struct {
	service *group.Service
	hub     *Hub
	addr    string
	http    *http.Server
	cancel  context.CancelFunc
}

func New(service *group.Service, addr string) *Server {
	s := &Server{
		service: service,
		hub:     NewHub(),
		addr:    addr,
	}

	r := chi.NewRouter()
	r.Get("/api/group", s.handleGroup)
	r.Get("/api/me", s.handleMe)
	r.Get("/ws", s.handleWS)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving and pushing snapshots to WebSocket clients.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	snapshots, unsubscribe := s.service.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case snapshot := <-snapshots:
				s.hub.Broadcast(snapshot)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("http", "serving on %s", s.addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http", "server stopped: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("http", "shutdown: %v", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.Group())
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	me, ok := s.service.Group().Me()
	if !ok {
		http.Error(w, "local member not published yet", http.StatusNotFound)
		return
	}
	writeJSON(w, me)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("http", "websocket upgrade: %v", err)
		return
	}

	// Prime the new client before registering it: the hub may broadcast
	// at any moment and a connection allows only one writer at a time.
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(Event{Type: "group", Group: s.service.Group()}); err != nil {
		conn.Close()
		return
	}
	s.hub.AddClient(conn)

	// Consumers only receive; the read loop exists to notice closure.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.RemoveClient(conn)
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("http", "encoding response: %v", err)
	}
}
