package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/town/internal/agents"
	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/git"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/store"
	"github.com/joescharf/town/internal/worktree"
)

// ---------------------------------------------------------------------------
// Test engine
// ---------------------------------------------------------------------------

// scriptEngine plays one script per session. A script that does not end in a
// result keeps the session open until it is cancelled.
type scriptEngine struct {
	mu      sync.Mutex
	scripts [][]engine.Event
	prompts []string
}

func (e *scriptEngine) Start(ctx context.Context, req engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	n := len(e.prompts)
	e.prompts = append(e.prompts, req.Prompt)
	script := e.scripts[len(e.scripts)-1]
	if n < len(e.scripts) {
		script = e.scripts[n]
	}
	e.mu.Unlock()

	ch := make(chan engine.Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(script) > 0 {
			if _, ok := script[len(script)-1].(engine.ResultEvent); ok {
				return
			}
		}
		<-ctx.Done()
	}()
	return &scriptStream{events: ch}, nil
}

func (e *scriptEngine) prompt(i int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.prompts) {
		return ""
	}
	return e.prompts[i]
}

type scriptStream struct {
	events chan engine.Event
}

func (s *scriptStream) Events() <-chan engine.Event { return s.events }
func (s *scriptStream) Err() error                  { return nil }
func (s *scriptStream) Close() error                { return nil }

func done(text string) engine.ResultEvent {
	return engine.ResultEvent{Session: "sess", Subtype: "success", Result: text}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	srv *Server
	m   *agents.Manager
	st  store.Store
	eng *scriptEngine
}

func newTestServer(t *testing.T, scripts ...[]engine.Event) *testEnv {
	t.Helper()
	if len(scripts) == 0 {
		scripts = [][]engine.Event{{done("finished")}}
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := &scriptEngine{scripts: scripts}
	m := agents.NewManager(st, worktree.NewManager(git.NewClient(), logger), eng,
		events.NewBroadcaster(logger), logger, agents.WithProjectsRoot(projects.Root(t.TempDir())))
	t.Cleanup(m.Shutdown)

	return &testEnv{srv: NewServer(m, "test"), m: m, st: st, eng: eng}
}

func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// createBuilding starts a building through the tool and returns its ids.
func (e *testEnv) createBuilding(t *testing.T) (buildingID, agentID string) {
	t.Helper()
	result, err := e.srv.handleCreateBuilding(context.Background(), callToolReq("town_create_building", map[string]any{
		"name":         "Saloon",
		"project_path": t.TempDir(),
		"prompt":       "tidy up",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		Building models.Building `json:"building"`
		AgentID  string          `json:"agentId"`
	}
	resultJSON(t, result, &out)
	return out.Building.ID, out.AgentID
}

func (e *testEnv) waitState(t *testing.T, agentID string, state models.AgentState) {
	t.Helper()
	require.Eventually(t, func() bool {
		a, err := e.st.GetAgent(context.Background(), agentID)
		return err == nil && a.State == state
	}, 5*time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Tests: registration and transports
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	env := newTestServer(t)
	require.NotNil(t, env.srv.MCPServer(), "MCPServer() should return non-nil")
}

func TestHTTPHandler_Initialize(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.HTTPHandler())
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req, err := http.NewRequest("POST", ts.URL, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"town"`)
}

// ---------------------------------------------------------------------------
// Tests: buildings
// ---------------------------------------------------------------------------

func TestHandleListBuildings_Empty(t *testing.T) {
	env := newTestServer(t)

	result, err := env.srv.handleListBuildings(context.Background(), callToolReq("town_list_buildings", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `[]`, resultText(t, result))
}

func TestHandleCreateBuilding(t *testing.T) {
	env := newTestServer(t)
	buildingID, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateCompleted)

	result, err := env.srv.handleListBuildings(context.Background(), callToolReq("town_list_buildings", nil))
	require.NoError(t, err)
	var list []struct {
		ID             string `json:"id"`
		AgentSummaries []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"agentSummaries"`
	}
	resultJSON(t, result, &list)
	require.Len(t, list, 1)
	assert.Equal(t, buildingID, list[0].ID)
	require.Len(t, list[0].AgentSummaries, 1)
	assert.Equal(t, "completed", list[0].AgentSummaries[0].State)

	result, err = env.srv.handleGetBuilding(context.Background(), callToolReq("town_get_building", map[string]any{"building_id": buildingID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), agentID)
}

func TestHandleCreateBuilding_Invalid(t *testing.T) {
	env := newTestServer(t)

	result, err := env.srv.handleCreateBuilding(context.Background(), callToolReq("town_create_building", map[string]any{
		"name": "No prompt",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid request")
}

func TestHandleSpawnAgent(t *testing.T) {
	env := newTestServer(t)
	buildingID, first := env.createBuilding(t)
	env.waitState(t, first, models.AgentStateCompleted)

	result, err := env.srv.handleSpawnAgent(context.Background(), callToolReq("town_spawn_agent", map[string]any{
		"building_id": buildingID,
		"prompt":      "write tests",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "write tests", env.eng.prompt(1))

	result, err = env.srv.handleSpawnAgent(context.Background(), callToolReq("town_spawn_agent", map[string]any{
		"building_id": "missing",
		"prompt":      "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")
}

func TestHandleListTrash(t *testing.T) {
	env := newTestServer(t)
	buildingID, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateCompleted)
	require.NoError(t, env.m.TrashBuilding(context.Background(), buildingID))

	result, err := env.srv.handleListTrash(context.Background(), callToolReq("town_list_trash", nil))
	require.NoError(t, err)
	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, buildingID, out[0]["building_id"])
	assert.Equal(t, "Saloon", out[0]["name"])
	assert.EqualValues(t, 1, out[0]["agents"])
}

// ---------------------------------------------------------------------------
// Tests: agents
// ---------------------------------------------------------------------------

func TestHandleGetAgentAndConversation(t *testing.T) {
	env := newTestServer(t, []engine.Event{
		engine.AssistantEvent{Session: "sess", Blocks: []engine.Block{engine.TextBlock{Text: "step one"}}},
		done("finished"),
	})
	_, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateCompleted)

	result, err := env.srv.handleGetAgent(context.Background(), callToolReq("town_get_agent", map[string]any{"agent_id": agentID}))
	require.NoError(t, err)
	var a models.Agent
	resultJSON(t, result, &a)
	assert.Equal(t, agentID, a.ID)
	assert.Equal(t, "tidy up", a.InitialPrompt)

	result, err = env.srv.handleGetConversation(context.Background(), callToolReq("town_get_conversation", map[string]any{"agent_id": agentID}))
	require.NoError(t, err)
	var all []models.ConversationEntry
	resultJSON(t, result, &all)
	require.Len(t, all, 2)
	assert.Equal(t, "step one", all[0].Content)

	result, err = env.srv.handleGetConversation(context.Background(), callToolReq("town_get_conversation", map[string]any{"agent_id": agentID, "limit": 1}))
	require.NoError(t, err)
	var last []models.ConversationEntry
	resultJSON(t, result, &last)
	require.Len(t, last, 1)
	assert.Equal(t, "finished", last[0].Content)
}

func TestHandleAgentTools_MissingArgs(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	handlers := map[string]func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error){
		"town_get_building":     env.srv.handleGetBuilding,
		"town_spawn_agent":      env.srv.handleSpawnAgent,
		"town_get_agent":        env.srv.handleGetAgent,
		"town_get_conversation": env.srv.handleGetConversation,
		"town_respond_to_agent": env.srv.handleRespondToAgent,
		"town_kill_agent":       env.srv.handleKillAgent,
		"town_merge_agent":      env.srv.handleMergeAgent,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			result, err := h(ctx, callToolReq(name, nil))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), "is required")
		})
	}
}

func TestHandleGetAgent_NotFound(t *testing.T) {
	env := newTestServer(t)

	result, err := env.srv.handleGetAgent(context.Background(), callToolReq("town_get_agent", map[string]any{"agent_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")
}

func TestHandleRespondToAgent_Answer(t *testing.T) {
	question := engine.ToolUseBlock{
		ID:    "tu-1",
		Name:  "AskUserQuestion",
		Input: json.RawMessage(`{"questions":[{"question":"Which database?","header":"DB","options":[{"label":"sqlite"},{"label":"postgres"}]}]}`),
	}
	env := newTestServer(t,
		[]engine.Event{engine.AssistantEvent{Session: "sess", Blocks: []engine.Block{question}}},
		[]engine.Event{done("used sqlite")},
	)
	_, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateWaitingInput)

	result, err := env.srv.handleRespondToAgent(context.Background(), callToolReq("town_respond_to_agent", map[string]any{
		"agent_id": agentID,
		"type":     "answer",
		"answers":  map[string]any{"Which database?": "sqlite"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	env.waitState(t, agentID, models.AgentStateCompleted)
	assert.Equal(t, "Which database?: sqlite", env.eng.prompt(1))

	a, err := env.m.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Nil(t, a.PendingQuestion)
}

func TestHandleRespondToAgent_PermissionWithoutSession(t *testing.T) {
	env := newTestServer(t)
	_, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateCompleted)
	require.Eventually(t, func() bool { return env.m.Registry().GetSession(agentID) == nil }, 5*time.Second, 5*time.Millisecond)

	result, err := env.srv.handleRespondToAgent(context.Background(), callToolReq("town_respond_to_agent", map[string]any{
		"agent_id": agentID,
		"type":     "permission",
		"approved": false,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not active")
}

func TestHandleKillAgent(t *testing.T) {
	env := newTestServer(t, []engine.Event{
		engine.AssistantEvent{Session: "sess", Blocks: []engine.Block{engine.TextBlock{Text: "thinking"}}},
	})
	_, agentID := env.createBuilding(t)
	require.Eventually(t, func() bool {
		conv, err := env.st.GetConversation(context.Background(), agentID)
		return err == nil && len(conv) == 1
	}, 5*time.Second, 5*time.Millisecond)

	result, err := env.srv.handleKillAgent(context.Background(), callToolReq("town_kill_agent", map[string]any{"agent_id": agentID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	a, err := env.m.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateCompleted, a.State)
	assert.Nil(t, env.m.Registry().GetSession(agentID))
}

func TestHandleMergeAgent_NothingPending(t *testing.T) {
	env := newTestServer(t)
	_, agentID := env.createBuilding(t)
	env.waitState(t, agentID, models.AgentStateCompleted)

	result, err := env.srv.handleMergeAgent(context.Background(), callToolReq("town_merge_agent", map[string]any{"agent_id": agentID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid request")
}
