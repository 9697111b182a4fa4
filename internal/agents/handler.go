// Package agents runs coding agents: it interprets engine output into agent
// lifecycle state, keeps the registry of live sessions, and orchestrates
// creation, responses, respawns, merges and termination.
package agents

import (
	"errors"

	"github.com/joescharf/town/internal/models"
)

var (
	// ErrNotFound is returned for unknown agent or building ids.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("invalid request")
	// ErrSessionUnavailable is returned when a response cannot be delivered
	// because the agent has no live session and nothing to respawn with.
	ErrSessionUnavailable = errors.New("agent not active")
)

// Handler receives one agent's lifecycle callbacks. Callbacks for a session
// are invoked sequentially from that session's goroutine.
type Handler interface {
	OnStateChange(state models.AgentState, currentTask string)
	OnMessage(entry models.ConversationEntry)
	OnQuestion(q *models.PendingQuestion)
	OnPermission(p *models.PendingPermission)
	OnComplete()
	OnError(msg string)
	OnSessionID(token string)
}
