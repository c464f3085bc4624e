// Package api exposes the registry over HTTP.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"crewboard/pkg/agent"
	"crewboard/pkg/event"
	"crewboard/pkg/registry"
)

// Server is the HTTP API server.
type Server struct {
	reg    *registry.Registry
	agents agent.Store
	events event.Store
	bus    *event.Bus // nil when running without live fan-out
	mux    *http.ServeMux
}

// New creates a new Server. bus may be nil; the event stream endpoint then
// falls back to polling the store.
func New(reg *registry.Registry, agents agent.Store, events event.Store, bus *event.Bus) *Server {
	s := &Server{
		reg:    reg,
		agents: agents,
		events: events,
		bus:    bus,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskRegister)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleTaskClaim)
	s.mux.HandleFunc("POST /api/tasks/{id}/status", s.handleTaskStatus)
	s.mux.HandleFunc("GET /api/tasks/{id}/dependencies", s.handleTaskDependencies)
	s.mux.HandleFunc("POST /api/tasks/{id}/dependencies", s.handleTaskAddDependency)

	// Agents
	s.mux.HandleFunc("GET /api/agents", s.handleAgentList)
	s.mux.HandleFunc("POST /api/agents", s.handleAgentRegister)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleAgentGet)

	// Events
	s.mux.HandleFunc("GET /api/events", s.handleEventList)
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := s.reg.Query(ctx, taskFilterAll)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	byStatus := map[string]int{}
	for i := range tasks {
		byStatus[string(tasks[i].Status)]++
	}

	eventCount, err := s.events.Count(ctx)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	agents, err := s.agents.List(ctx)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	writeJSON(w, 200, map[string]any{
		"tasks":           len(tasks),
		"tasks_by_status": byStatus,
		"events":          eventCount,
		"agents":          len(agents),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
