// Package engine runs coding-agent invocations and exposes their output as a
// typed event stream.
package engine

import (
	"context"
	"encoding/json"
)

// Request starts one invocation.
type Request struct {
	Cwd          string
	Prompt       string
	SystemPrompt string
	// ResumeToken continues a previous conversation when set.
	ResumeToken string
}

// Engine starts invocations.
type Engine interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

// Stream is a running invocation. Events is closed when the invocation ends
// for any reason; Err then reports a fault, or nil for a natural end or a
// cancellation.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Event is one of InitEvent, AssistantEvent, ToolResultEvent, PermissionEvent
// or ResultEvent.
type Event interface {
	// SessionID returns the resume token carried by the event, if any.
	SessionID() string
	isEvent()
}

// InitEvent is emitted once the engine has set up a session.
type InitEvent struct {
	Session string
	Model   string
	Tools   []string
}

// AssistantEvent carries one assistant turn.
type AssistantEvent struct {
	Session string
	Blocks  []Block
}

// ToolResultEvent carries the output of a tool the agent ran.
type ToolResultEvent struct {
	Session   string
	ToolUseID string
	Content   string
	IsError   bool
}

// PermissionEvent asks the user to approve a tool call before the engine
// runs it. Engines that run with permissions bypassed never emit it.
type PermissionEvent struct {
	Session  string
	ToolName string
	Input    json.RawMessage
}

// ResultEvent ends an invocation.
type ResultEvent struct {
	Session    string
	Subtype    string
	Result     string
	CostUSD    float64
	NumTurns   int
	DurationMS int64
	Errors     []string
}

// Success reports whether the engine finished the task.
func (e ResultEvent) Success() bool { return e.Subtype == "success" }

func (e InitEvent) SessionID() string       { return e.Session }
func (e AssistantEvent) SessionID() string  { return e.Session }
func (e ToolResultEvent) SessionID() string { return e.Session }
func (e PermissionEvent) SessionID() string { return e.Session }
func (e ResultEvent) SessionID() string     { return e.Session }

func (InitEvent) isEvent()       {}
func (AssistantEvent) isEvent()  {}
func (ToolResultEvent) isEvent() {}
func (PermissionEvent) isEvent() {}
func (ResultEvent) isEvent()     {}

// Block is one of TextBlock or ToolUseBlock.
type Block interface {
	isBlock()
}

// TextBlock is assistant prose.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation by the agent.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (TextBlock) isBlock()    {}
func (ToolUseBlock) isBlock() {}
