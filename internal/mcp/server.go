// Package mcp exposes town's buildings and agents as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/models"
)

// Server wraps the agent manager and exposes it as MCP tools.
type Server struct {
	agents  *agents.Manager
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(m *agents.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{agents: m, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("town", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listBuildingsTool())
	srv.AddTool(s.getBuildingTool())
	srv.AddTool(s.createBuildingTool())
	srv.AddTool(s.spawnAgentTool())
	srv.AddTool(s.getAgentTool())
	srv.AddTool(s.getConversationTool())
	srv.AddTool(s.respondToAgentTool())
	srv.AddTool(s.killAgentTool())
	srv.AddTool(s.mergeAgentTool())
	srv.AddTool(s.listTrashTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport for mounting at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.MCPServer())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError turns a manager error into a tool-level error result.
func toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	case errors.Is(err, agents.ErrValidation):
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}

// town_list_buildings
func (s *Server) listBuildingsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_list_buildings",
		mcp.WithDescription("List all buildings. Each building is one project directory with its agents' id, state and current task."),
	)
	return tool, s.handleListBuildings
}

func (s *Server) handleListBuildings(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buildings, err := s.agents.ListBuildings(ctx)
	if err != nil {
		return toolError("list buildings", err), nil
	}
	return jsonResult(buildings)
}

// town_get_building
func (s *Server) getBuildingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_get_building",
		mcp.WithDescription("Get a building with the full records of its agents."),
		mcp.WithString("building_id", mcp.Required(), mcp.Description("Building ID")),
	)
	return tool, s.handleGetBuilding
}

func (s *Server) handleGetBuilding(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("building_id")
	if err != nil {
		return mcp.NewToolResultError("building_id is required"), nil
	}
	b, err := s.agents.GetBuilding(ctx, id)
	if err != nil {
		return toolError("get building", err), nil
	}
	return jsonResult(b)
}

// town_create_building
func (s *Server) createBuildingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_create_building",
		mcp.WithDescription("Create a building for a project directory and start its first agent with the given prompt. Git projects get an isolated worktree that is merged back when the agent completes."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Building name")),
		mcp.WithString("project_path", mcp.Required(), mcp.Description("Absolute project directory. A missing direct child of the projects root is created.")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Initial task for the first agent")),
		mcp.WithString("style", mcp.Description("Building style: saloon, bank, sheriff, general-store, hotel, masjid, blacksmith, post-office")),
		mcp.WithString("system_prompt", mcp.Description("Extra system prompt text for the agent")),
	)
	return tool, s.handleCreateBuilding
}

func (s *Server) handleCreateBuilding(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := agents.CreateBuildingRequest{
		Name:               request.GetString("name", ""),
		ProjectPath:        request.GetString("project_path", ""),
		InitialPrompt:      request.GetString("prompt", ""),
		Style:              models.BuildingStyle(request.GetString("style", "")),
		CustomSystemPrompt: request.GetString("system_prompt", ""),
	}
	b, agentID, err := s.agents.CreateBuilding(ctx, req)
	if err != nil {
		return toolError("create building", err), nil
	}
	return jsonResult(map[string]any{"building": b, "agentId": agentID})
}

// town_spawn_agent
func (s *Server) spawnAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_spawn_agent",
		mcp.WithDescription("Start another agent in an existing building."),
		mcp.WithString("building_id", mcp.Required(), mcp.Description("Building ID")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Initial task for the agent")),
		mcp.WithString("system_prompt", mcp.Description("Extra system prompt text for the agent")),
	)
	return tool, s.handleSpawnAgent
}

func (s *Server) handleSpawnAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("building_id")
	if err != nil {
		return mcp.NewToolResultError("building_id is required"), nil
	}
	agentID, err := s.agents.SpawnAgent(ctx, id, agents.SpawnAgentRequest{
		InitialPrompt:      request.GetString("prompt", ""),
		CustomSystemPrompt: request.GetString("system_prompt", ""),
	})
	if err != nil {
		return toolError("spawn agent", err), nil
	}
	return jsonResult(map[string]string{"agentId": agentID})
}

// town_get_agent
func (s *Server) getAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_get_agent",
		mcp.WithDescription("Get an agent's state, current task, pending question or permission, and merge status."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
	)
	return tool, s.handleGetAgent
}

func (s *Server) handleGetAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	a, err := s.agents.GetAgent(ctx, id)
	if err != nil {
		return toolError("get agent", err), nil
	}
	return jsonResult(a)
}

// town_get_conversation
func (s *Server) getConversationTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_get_conversation",
		mcp.WithDescription("Get an agent's conversation log, oldest first."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithNumber("limit", mcp.Description("Return only the last N entries")),
	)
	return tool, s.handleGetConversation
}

func (s *Server) handleGetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	entries, err := s.agents.GetConversation(ctx, id)
	if err != nil {
		return toolError("get conversation", err), nil
	}
	if limit := request.GetInt("limit", 0); limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []models.ConversationEntry{}
	}
	return jsonResult(entries)
}

// town_respond_to_agent
func (s *Server) respondToAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_respond_to_agent",
		mcp.WithDescription("Reply to an agent. Use type=answer with answers for a pending question, type=permission with approved for a pending permission, or type=message to send a follow-up (this restarts a finished agent)."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Response type: answer, permission, message")),
		mcp.WithString("message", mcp.Description("Follow-up message (type=message)")),
		mcp.WithObject("answers", mcp.Description("Map of question text to chosen answer (type=answer)")),
		mcp.WithBoolean("approved", mcp.Description("Whether the permission is granted (type=permission)")),
	)
	return tool, s.handleRespondToAgent
}

func (s *Server) handleRespondToAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	resp := agents.Response{
		Type:    agents.ResponseType(request.GetString("type", "")),
		Message: request.GetString("message", ""),
	}
	args := request.GetArguments()
	if raw, ok := args["answers"].(map[string]any); ok {
		resp.Answers = make(map[string]string, len(raw))
		for q, a := range raw {
			resp.Answers[q] = fmt.Sprint(a)
		}
	}
	if approved, ok := args["approved"].(bool); ok {
		resp.Approved = &approved
	}

	if err := s.agents.RespondToAgent(ctx, id, resp); err != nil {
		return toolError("respond to agent", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Response delivered to agent %s", id)), nil
}

// town_kill_agent
func (s *Server) killAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_kill_agent",
		mcp.WithDescription("Stop an agent. Its completed work is merged back like a normal completion."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
	)
	return tool, s.handleKillAgent
}

func (s *Server) handleKillAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	if err := s.agents.KillAgent(ctx, id); err != nil {
		return toolError("kill agent", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %s stopped", id)), nil
}

// town_merge_agent
func (s *Server) mergeAgentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_merge_agent",
		mcp.WithDescription("Retry merging a finished agent's branch, for example after resolving a conflict."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
	)
	return tool, s.handleMergeAgent
}

func (s *Server) handleMergeAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	if err := s.agents.MergeAgent(ctx, id); err != nil {
		return toolError("merge agent", err), nil
	}
	a, err := s.agents.GetAgent(ctx, id)
	if err != nil {
		return toolError("get agent", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %s merged as %s", id, a.MergeCommitSHA)), nil
}

// town_list_trash
func (s *Server) listTrashTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("town_list_trash",
		mcp.WithDescription("List trashed buildings, newest first, with the time each was trashed."),
	)
	return tool, s.handleListTrash
}

func (s *Server) handleListTrash(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	trash, err := s.agents.ListTrash(ctx)
	if err != nil {
		return toolError("list trash", err), nil
	}

	type trashOut struct {
		BuildingID  string `json:"building_id"`
		Name        string `json:"name"`
		ProjectPath string `json:"project_path"`
		Agents      int    `json:"agents"`
		TrashedAt   string `json:"trashed_at"`
	}
	out := make([]trashOut, 0, len(trash))
	for _, t := range trash {
		o := trashOut{BuildingID: t.BuildingID, Agents: len(t.Agents), TrashedAt: t.TrashedAt.Format(time.RFC3339)}
		if t.Building != nil {
			o.Name = t.Building.Name
			o.ProjectPath = t.Building.ProjectPath
		}
		out = append(out, o)
	}
	return jsonResult(out)
}
