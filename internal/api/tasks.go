package api

import (
	"encoding/json"
	"net/http"

	"crewboard/pkg/registry"
	"crewboard/pkg/task"
)

// taskFilterAll matches every task.
var taskFilterAll = task.Filter{}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Status:   task.Status(q.Get("status")),
		Assignee: q.Get("assignee"),
		Project:  q.Get("project"),
		Tag:      q.Get("tag"),
		Limit:    queryInt(r, "limit", 0),
	}
	if f.Status != "" && !task.ValidStatus(f.Status) {
		writeError(w, 400, "unknown status: "+string(f.Status))
		return
	}
	if q.Get("priority") != "" {
		p := queryInt(r, "priority", -1)
		if !task.ValidPriority(p) {
			writeError(w, 400, "priority out of range")
			return
		}
		f.Priority = &p
	}

	tasks, err := s.reg.Query(r.Context(), f)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Project     string   `json:"project"`
		Priority    *int     `json:"priority"`
		Tags        []string `json:"tags"`
		DependsOn   []string `json:"depends_on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, 400, "title is required")
		return
	}
	priority := task.PriorityMedium
	if req.Priority != nil {
		if !task.ValidPriority(*req.Priority) {
			writeError(w, 400, "priority out of range")
			return
		}
		priority = *req.Priority
	}

	t, err := s.reg.Register(r.Context(), registry.RegisterInput{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Project:     req.Project,
		Priority:    priority,
		Tags:        req.Tags,
		DependsOn:   req.DependsOn,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, 400, "agent_id is required")
		return
	}

	// Identity is trusted; record unseen agents so queries and events can
	// resolve who holds what.
	if _, err := s.registerAgent(r.Context(), "worker", req.AgentID); err != nil {
		writeError(w, 500, err.Error())
		return
	}

	t, err := s.reg.Claim(r.Context(), id, req.AgentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" || req.Status == "" {
		writeError(w, 400, "agent_id and status are required")
		return
	}

	t, err := s.reg.UpdateStatus(r.Context(), id, req.AgentID, task.Status(req.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	satisfied, pending, err := s.reg.CheckDependencies(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pending == nil {
		pending = []string{}
	}
	writeJSON(w, 200, map[string]any{
		"satisfied": satisfied,
		"pending":   pending,
	})
}

func (s *Server) handleTaskAddDependency(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		DependsOn string `json:"depends_on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.DependsOn == "" {
		writeError(w, 400, "depends_on is required")
		return
	}

	t, err := s.reg.AddDependency(r.Context(), id, req.DependsOn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, 200, t)
}
