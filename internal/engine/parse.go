package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Tools     []string        `json:"tools"`
	Message   *streamMessage  `json:"message"`
	Result    string          `json:"result"`
	CostUSD   float64         `json:"total_cost_usd"`
	NumTurns  int             `json:"num_turns"`
	Duration  int64           `json:"duration_ms"`
	Errors    json.RawMessage `json:"errors"`
}

type streamMessage struct {
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine decodes one line of `claude --output-format stream-json` output.
// A user line carries one tool_result per parallel tool call and yields one
// event each. Blank lines and message types town ignores yield none.
func ParseLine(line []byte) ([]Event, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch l.Type {
	case "system":
		if l.Subtype != "init" {
			return nil, nil
		}
		return []Event{InitEvent{Session: l.SessionID, Model: l.Model, Tools: l.Tools}}, nil

	case "assistant":
		ev := AssistantEvent{Session: l.SessionID}
		if l.Message == nil {
			return []Event{ev}, nil
		}
		for _, c := range l.Message.Content {
			switch c.Type {
			case "text":
				ev.Blocks = append(ev.Blocks, TextBlock{Text: c.Text})
			case "tool_use":
				ev.Blocks = append(ev.Blocks, ToolUseBlock{ID: c.ID, Name: c.Name, Input: c.Input})
			}
		}
		return []Event{ev}, nil

	case "user":
		if l.Message == nil {
			return nil, nil
		}
		var evs []Event
		for _, c := range l.Message.Content {
			if c.Type == "tool_result" {
				evs = append(evs, ToolResultEvent{
					Session:   l.SessionID,
					ToolUseID: c.ToolUseID,
					Content:   toolResultText(c.Content),
					IsError:   c.IsError,
				})
			}
		}
		return evs, nil

	case "result":
		return []Event{ResultEvent{
			Session:    l.SessionID,
			Subtype:    l.Subtype,
			Result:     l.Result,
			CostUSD:    l.CostUSD,
			NumTurns:   l.NumTurns,
			DurationMS: l.Duration,
			Errors:     errorStrings(l.Errors),
		}}, nil
	}
	return nil, nil
}

// toolResultText flattens a tool_result payload, which is either a string or
// a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func errorStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var objs []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, o := range objs {
			if o.Message != "" {
				list = append(list, o.Message)
			}
		}
		return list
	}
	return []string{string(raw)}
}
