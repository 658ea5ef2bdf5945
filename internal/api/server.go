// Package api exposes the pilot's telemetry over HTTP: the current loop
// snapshot, the transition log, and a live SSE tail of issued commands. It is
// read-only; the control loop takes no input from this surface.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rover.pilot/internal/db"
	"github.com/banshee-data/rover.pilot/internal/pilot"
)

type Server struct {
	loop      *pilot.Loop
	db        *db.DB
	sessionID string
}

func NewServer(loop *pilot.Loop, database *db.DB, sessionID string) *Server {
	return &Server{
		loop:      loop,
		db:        database,
		sessionID: sessionID,
	}
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Welcome to the Pilot Server!"))
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.homeHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/transitions", s.listTransitions)
	return mux
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.loop.Snapshot()); err != nil {
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "No transition store configured", http.StatusNotFound)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.sessionID
	}

	trs, err := s.db.Transitions(sessionID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve transitions: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(trs); err != nil {
		http.Error(w, "Failed to encode transitions", http.StatusInternalServerError)
	}
}

// AttachAdminRoutes registers the debugging endpoints under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Live tail of issued commands as Server-Side Events (SSE).
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id := uuid.NewString()
		c := s.loop.Subscribe(id)
		defer s.loop.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case cmd, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(cmd)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
