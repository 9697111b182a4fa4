package agents

import (
	"encoding/json"
	"strings"

	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/models"
)

// Tool names with lifecycle meaning.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolEnterPlanMode   = "EnterPlanMode"
)

const (
	planningTask   = "Planning..."
	completedText  = "Task completed."
	planQuestion   = "The agent has a plan ready. Approve it?"
	planHeader     = "Plan"
	sessionInitFmt = "Session initialized. Model: "
)

var planOptions = []models.QuestionOption{
	{Label: "Approve", Description: "Proceed with the plan as described"},
	{Label: "Reject", Description: "Send the agent back to revise"},
}

// dispatch applies one engine event to h. It reports true when the event
// ends the invocation.
func dispatch(h Handler, ev engine.Event) bool {
	switch e := ev.(type) {
	case engine.InitEvent:
		h.OnMessage(models.NewEntry(models.RoleSystem, sessionInitFmt+e.Model, map[string]any{"tools": e.Tools}))

	case engine.AssistantEvent:
		for _, b := range e.Blocks {
			dispatchBlock(h, b)
		}

	case engine.ToolResultEvent:
		h.OnMessage(models.NewEntry(models.RoleToolResult, e.Content, map[string]any{
			"toolUseId": e.ToolUseID,
			"isError":   e.IsError,
		}))

	case engine.PermissionEvent:
		h.OnStateChange(models.AgentStateWaitingPermission, "")
		h.OnPermission(&models.PendingPermission{ToolName: e.ToolName, Input: decodeInput(e.Input)})

	case engine.ResultEvent:
		if e.Success() {
			content := e.Result
			if content == "" {
				content = completedText
			}
			h.OnMessage(models.NewEntry(models.RoleAssistant, content, map[string]any{
				"costUsd":    e.CostUSD,
				"numTurns":   e.NumTurns,
				"durationMs": e.DurationMS,
			}))
			h.OnComplete()
			return true
		}
		msg := strings.Join(e.Errors, "; ")
		if msg == "" {
			msg = "Error: " + e.Subtype
		}
		h.OnError(msg)
		return true
	}
	return false
}

func dispatchBlock(h Handler, b engine.Block) {
	switch blk := b.(type) {
	case engine.TextBlock:
		h.OnMessage(models.NewEntry(models.RoleAssistant, blk.Text, nil))

	case engine.ToolUseBlock:
		switch blk.Name {
		case ToolAskUserQuestion:
			h.OnStateChange(models.AgentStateWaitingInput, "")
			h.OnQuestion(parseQuestions(blk.Input))

		case ToolExitPlanMode:
			h.OnStateChange(models.AgentStateWaitingInput, "")
			h.OnQuestion(&models.PendingQuestion{Questions: []models.Question{{
				Question: planQuestion,
				Header:   planHeader,
				Options:  planOptions,
			}}})

		case ToolEnterPlanMode:
			h.OnMessage(toolCallEntry(blk))
			h.OnStateChange(models.AgentStateBusy, planningTask)

		default:
			h.OnMessage(toolCallEntry(blk))
		}
	}
}

func toolCallEntry(blk engine.ToolUseBlock) models.ConversationEntry {
	return models.NewEntry(models.RoleToolCall, blk.Name, map[string]any{
		"toolName":  blk.Name,
		"input":     decodeInput(blk.Input),
		"toolUseId": blk.ID,
	})
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// parseQuestions reads an AskUserQuestion input. Missing fields become zero values.
func parseQuestions(raw json.RawMessage) *models.PendingQuestion {
	var input struct {
		Questions []struct {
			Question string `json:"question"`
			Header   string `json:"header"`
			Options  []struct {
				Label       string `json:"label"`
				Description string `json:"description"`
			} `json:"options"`
			MultiSelect bool `json:"multiSelect"`
		} `json:"questions"`
	}
	_ = json.Unmarshal(raw, &input)

	pq := &models.PendingQuestion{Questions: []models.Question{}}
	for _, q := range input.Questions {
		out := models.Question{
			Question:    q.Question,
			Header:      q.Header,
			MultiSelect: q.MultiSelect,
			Options:     []models.QuestionOption{},
		}
		for _, o := range q.Options {
			out.Options = append(out.Options, models.QuestionOption{Label: o.Label, Description: o.Description})
		}
		pq.Questions = append(pq.Questions, out)
	}
	return pq
}
