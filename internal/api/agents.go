package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"crewboard/pkg/agent"
	"crewboard/pkg/event"
)

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, agents)
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, 400, "name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = "worker"
	}

	a, err := s.registerAgent(r.Context(), req.Kind, req.Name)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 201, a)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

// registerAgent creates the agent if unseen and announces first-time
// registrations on the event log.
func (s *Server) registerAgent(ctx context.Context, kind, name string) (*agent.Agent, error) {
	a, created, err := s.agents.Register(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	if created {
		if _, err := s.events.Append(ctx, event.TypeAgentRegistered, a.Name, "", map[string]any{
			"agent_id": a.ID,
			"kind":     a.Kind,
		}); err != nil {
			log.Printf("api: emit agent.registered for %s: %v", a.Name, err)
		}
	}
	return a, nil
}
