// Package api serves the town REST API, the event stream and the MCP endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/projects"
)

// Server provides the REST API handlers.
type Server struct {
	agents *agents.Manager
	events *events.Broadcaster
	root   projects.Root
	mcp    http.Handler
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMCP mounts an MCP streamable HTTP handler at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// NewServer creates a new API server.
func NewServer(m *agents.Manager, bc *events.Broadcaster, root projects.Root, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		agents: m,
		events: bc,
		root:   root,
		logger: logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.health)

	mux.HandleFunc("GET /api/buildings", s.listBuildings)
	mux.HandleFunc("POST /api/buildings", s.createBuilding)
	mux.HandleFunc("GET /api/buildings/{id}", s.getBuilding)
	mux.HandleFunc("DELETE /api/buildings/{id}", s.deleteBuilding)
	mux.HandleFunc("POST /api/buildings/{id}/agents", s.spawnAgent)

	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/respond", s.respondToAgent)
	mux.HandleFunc("POST /api/agents/{id}/kill", s.killAgent)
	mux.HandleFunc("GET /api/agents/{id}/conversation", s.getConversation)
	mux.HandleFunc("POST /api/agents/{id}/merge", s.mergeAgent)
	mux.HandleFunc("POST /api/agents/{id}/discard", s.discardAgent)
	mux.HandleFunc("POST /api/agents/{id}/revert", s.revertAgent)

	mux.HandleFunc("GET /api/trash", s.listTrash)
	mux.HandleFunc("POST /api/trash/{id}/restore", s.restoreBuilding)
	mux.HandleFunc("DELETE /api/trash/{id}", s.purgeTrash)

	mux.HandleFunc("GET /api/projects", s.listProjects)

	mux.HandleFunc("GET /ws", s.serveEvents)
	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAgentError maps the agent error taxonomy onto HTTP status codes.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agents.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agents.ErrSessionUnavailable), errors.Is(err, agents.ErrMergeFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.agents.Registry().Count(),
		"subscribers": s.events.Count(),
	})
}

// --- Buildings ---

func (s *Server) listBuildings(w http.ResponseWriter, r *http.Request) {
	buildings, err := s.agents.ListBuildings(r.Context())
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildings)
}

func (s *Server) createBuilding(w http.ResponseWriter, r *http.Request) {
	var req agents.CreateBuildingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, agentID, err := s.agents.CreateBuilding(r.Context(), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"building": b, "agentId": agentID})
}

func (s *Server) getBuilding(w http.ResponseWriter, r *http.Request) {
	b, err := s.agents.GetBuilding(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBuilding(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.TrashBuilding(r.Context(), r.PathValue("id")); err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req agents.SpawnAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agentID, err := s.agents.SpawnAgent(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agentId": agentID})
}

// --- Agents ---

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) respondToAgent(w http.ResponseWriter, r *http.Request) {
	var resp agents.Response
	if !decodeBody(w, r, &resp) {
		return
	}
	if err := s.agents.RespondToAgent(r.Context(), r.PathValue("id"), resp); err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.KillAgent)
}

func (s *Server) mergeAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.MergeAgent)
}

func (s *Server) discardAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.DiscardAgent)
}

func (s *Server) revertAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.RevertAgent)
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := action(r.Context(), id); err != nil {
		s.writeAgentError(w, err)
		return
	}
	a, err := s.agents.GetAgent(r.Context(), id)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	entries, err := s.agents.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	if entries == nil {
		entries = []models.ConversationEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Trash ---

func (s *Server) listTrash(w http.ResponseWriter, r *http.Request) {
	trash, err := s.agents.ListTrash(r.Context())
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	if trash == nil {
		trash = []*models.TrashedBuilding{}
	}
	writeJSON(w, http.StatusOK, trash)
}

func (s *Server) restoreBuilding(w http.ResponseWriter, r *http.Request) {
	b, err := s.agents.RestoreBuilding(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"building": b})
}

func (s *Server) purgeTrash(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.PurgeTrash(r.Context(), r.PathValue("id")); err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.root.List(r.URL.Query().Get("q")))
}
