package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/models"
)

func TestDispatch_Init(t *testing.T) {
	h := &recordingHandler{}
	done := dispatch(h, engine.InitEvent{Session: "s", Model: "claude-opus", Tools: []string{"Bash"}})

	assert.False(t, done)
	require.Len(t, h.msgs, 1)
	assert.Equal(t, models.RoleSystem, h.msgs[0].Role)
	assert.Equal(t, "Session initialized. Model: claude-opus", h.msgs[0].Content)
	assert.Equal(t, []string{"Bash"}, h.msgs[0].Metadata["tools"])
}

func TestDispatch_TextAndToolCall(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.AssistantEvent{Blocks: []engine.Block{
		engine.TextBlock{Text: "Reading files"},
		toolUse("Read", map[string]string{"file_path": "main.go"}),
	}})

	assert.Equal(t, []string{"message:assistant", "message:tool_call"}, h.snapshot())
	call := h.msgs[1]
	assert.Equal(t, "Read", call.Content)
	assert.Equal(t, "Read", call.Metadata["toolName"])
	assert.Equal(t, "tu_Read", call.Metadata["toolUseId"])
	assert.Equal(t, map[string]any{"file_path": "main.go"}, call.Metadata["input"])
}

func TestDispatch_AskUserQuestion(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.AssistantEvent{Blocks: []engine.Block{
		toolUse(ToolAskUserQuestion, map[string]any{
			"questions": []map[string]any{{
				"question":    "Which database?",
				"header":      "Storage",
				"multiSelect": true,
				"options": []map[string]string{
					{"label": "SQLite", "description": "embedded"},
					{"label": "Postgres"},
				},
			}},
		}),
	}})

	assert.Equal(t, []string{"state:waiting_input:", "question"}, h.snapshot())
	require.Len(t, h.q.Questions, 1)
	q := h.q.Questions[0]
	assert.Equal(t, "Which database?", q.Question)
	assert.Equal(t, "Storage", q.Header)
	assert.True(t, q.MultiSelect)
	assert.Equal(t, []models.QuestionOption{
		{Label: "SQLite", Description: "embedded"},
		{Label: "Postgres"},
	}, q.Options)
}

func TestDispatch_AskUserQuestionMalformedInput(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.AssistantEvent{Blocks: []engine.Block{
		engine.ToolUseBlock{Name: ToolAskUserQuestion, Input: []byte(`"nope"`)},
	}})

	require.NotNil(t, h.q)
	assert.Empty(t, h.q.Questions)
}

func TestDispatch_ExitPlanMode(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.AssistantEvent{Blocks: []engine.Block{toolUse(ToolExitPlanMode, map[string]string{"plan": "..."})}})

	assert.Equal(t, []string{"state:waiting_input:", "question"}, h.snapshot())
	require.Len(t, h.q.Questions, 1)
	q := h.q.Questions[0]
	assert.Equal(t, "The agent has a plan ready. Approve it?", q.Question)
	assert.Equal(t, "Plan", q.Header)
	require.Len(t, q.Options, 2)
	assert.Equal(t, "Approve", q.Options[0].Label)
	assert.Equal(t, "Reject", q.Options[1].Label)
}

func TestDispatch_EnterPlanMode(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.AssistantEvent{Blocks: []engine.Block{toolUse(ToolEnterPlanMode, map[string]string{})}})

	assert.Equal(t, []string{"message:tool_call", "state:busy:Planning..."}, h.snapshot())
}

func TestDispatch_ToolResult(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.ToolResultEvent{ToolUseID: "tu_1", Content: "ok", IsError: true})

	require.Len(t, h.msgs, 1)
	assert.Equal(t, models.RoleToolResult, h.msgs[0].Role)
	assert.Equal(t, true, h.msgs[0].Metadata["isError"])
}

func TestDispatch_Permission(t *testing.T) {
	h := &recordingHandler{}
	dispatch(h, engine.PermissionEvent{ToolName: "Bash", Input: []byte(`{"command":"rm -rf /"}`)})

	assert.Equal(t, []string{"state:waiting_permission:", "permission"}, h.snapshot())
	assert.Equal(t, "Bash", h.p.ToolName)
	assert.Equal(t, map[string]any{"command": "rm -rf /"}, h.p.Input)
}

func TestDispatch_ResultSuccess(t *testing.T) {
	h := &recordingHandler{}
	done := dispatch(h, engine.ResultEvent{Subtype: "success", CostUSD: 0.5, NumTurns: 4, DurationMS: 1200})

	assert.True(t, done)
	assert.Equal(t, []string{"message:assistant", "complete"}, h.snapshot())
	assert.Equal(t, "Task completed.", h.msgs[0].Content)
	assert.Equal(t, 0.5, h.msgs[0].Metadata["costUsd"])
	assert.Equal(t, 4, h.msgs[0].Metadata["numTurns"])
	assert.Equal(t, int64(1200), h.msgs[0].Metadata["durationMs"])
}

func TestDispatch_ResultFailure(t *testing.T) {
	tests := []struct {
		name string
		ev   engine.ResultEvent
		want string
	}{
		{"joined errors", engine.ResultEvent{Subtype: "error_during_execution", Errors: []string{"a", "b"}}, "error:a; b"},
		{"subtype fallback", engine.ResultEvent{Subtype: "error_max_turns"}, "error:Error: error_max_turns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			assert.True(t, dispatch(h, tt.ev))
			assert.Equal(t, []string{tt.want}, h.snapshot())
		})
	}
}
