// Package events defines the domain events observers receive and fans them
// out to subscribers.
package events

import "github.com/joescharf/town/internal/models"

// Type discriminates domain events on the wire.
type Type string

const (
	TypeAgentState       Type = "agent:state"
	TypeAgentMessage     Type = "agent:message"
	TypeAgentQuestion    Type = "agent:question"
	TypeAgentPermission  Type = "agent:permission"
	TypeAgentCompleted   Type = "agent:completed"
	TypeAgentError       Type = "agent:error"
	TypeAgentMerged      Type = "agent:merged"
	TypeAgentMergeFailed Type = "agent:merge-failed"
	TypeAgentDiscarded   Type = "agent:discarded"
	TypeAgentReverted    Type = "agent:reverted"
	TypeBuildingCreated  Type = "building:created"
	TypeBuildingRemoved  Type = "building:removed"
	TypeBuildingRestored Type = "building:restored"
)

// Event is a discriminated record. Only the fields relevant to Type are set;
// use the constructors below rather than building one by hand.
type Event struct {
	Type        Type                      `json:"type"`
	AgentID     string                    `json:"agentId,omitempty"`
	State       models.AgentState         `json:"state,omitempty"`
	CurrentTask string                    `json:"currentTask,omitempty"`
	Entry       *models.ConversationEntry `json:"entry,omitempty"`
	Question    *models.PendingQuestion   `json:"question,omitempty"`
	Permission  *models.PendingPermission `json:"permission,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Building    *models.Building          `json:"building,omitempty"`
	BuildingID  string                    `json:"buildingId,omitempty"`
}

// Publisher accepts domain events for delivery.
type Publisher interface {
	Publish(ev Event)
}

func AgentState(agentID string, state models.AgentState, currentTask string) Event {
	return Event{Type: TypeAgentState, AgentID: agentID, State: state, CurrentTask: currentTask}
}

func AgentMessage(agentID string, entry models.ConversationEntry) Event {
	return Event{Type: TypeAgentMessage, AgentID: agentID, Entry: &entry}
}

func AgentQuestion(agentID string, q *models.PendingQuestion) Event {
	return Event{Type: TypeAgentQuestion, AgentID: agentID, Question: q}
}

func AgentPermission(agentID string, p *models.PendingPermission) Event {
	return Event{Type: TypeAgentPermission, AgentID: agentID, Permission: p}
}

func AgentCompleted(agentID string) Event {
	return Event{Type: TypeAgentCompleted, AgentID: agentID}
}

func AgentError(agentID, errMsg string) Event {
	return Event{Type: TypeAgentError, AgentID: agentID, Error: errMsg}
}

func AgentMerged(agentID string) Event {
	return Event{Type: TypeAgentMerged, AgentID: agentID}
}

func AgentMergeFailed(agentID, errMsg string) Event {
	return Event{Type: TypeAgentMergeFailed, AgentID: agentID, Error: errMsg}
}

func AgentDiscarded(agentID string) Event {
	return Event{Type: TypeAgentDiscarded, AgentID: agentID}
}

func AgentReverted(agentID string) Event {
	return Event{Type: TypeAgentReverted, AgentID: agentID}
}

func BuildingCreated(b *models.Building) Event {
	return Event{Type: TypeBuildingCreated, Building: b}
}

func BuildingRemoved(buildingID string) Event {
	return Event{Type: TypeBuildingRemoved, BuildingID: buildingID}
}

func BuildingRestored(b *models.Building) Event {
	return Event{Type: TypeBuildingRestored, Building: b}
}
