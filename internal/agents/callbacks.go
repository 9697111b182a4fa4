package agents

import (
	"context"

	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/models"
)

// agentHandler persists one agent's lifecycle changes and then broadcasts
// them. Nothing is broadcast if the write fails.
type agentHandler struct {
	m       *Manager
	agentID string
}

var _ Handler = (*agentHandler)(nil)

func (m *Manager) handler(agentID string) *agentHandler {
	return &agentHandler{m: m, agentID: agentID}
}

func (h *agentHandler) update(fn func(a *models.Agent)) (*models.Agent, bool) {
	a, err := h.m.store.UpdateAgent(context.Background(), h.agentID, func(a *models.Agent) error {
		fn(a)
		return nil
	})
	if err != nil {
		h.m.logger.Error("persist agent update", "agent_id", h.agentID, "error", err)
		return nil, false
	}
	return a, true
}

func (h *agentHandler) OnStateChange(state models.AgentState, currentTask string) {
	a, ok := h.update(func(a *models.Agent) {
		a.State = state
		if currentTask != "" {
			a.CurrentTask = currentTask
		}
		switch state {
		case models.AgentStateBusy:
			a.ClearPending()
			a.Error = ""
			a.CompletedAt = nil
		case models.AgentStateWaitingInput:
			a.PendingPermission = nil
		case models.AgentStateWaitingPermission:
			a.PendingQuestion = nil
		}
	})
	if ok {
		h.m.events.Publish(events.AgentState(h.agentID, a.State, a.CurrentTask))
	}
}

func (h *agentHandler) OnMessage(entry models.ConversationEntry) {
	if err := h.m.store.AppendConversation(context.Background(), h.agentID, entry); err != nil {
		h.m.logger.Error("append conversation", "agent_id", h.agentID, "error", err)
		return
	}
	h.m.events.Publish(events.AgentMessage(h.agentID, entry))
}

func (h *agentHandler) OnQuestion(q *models.PendingQuestion) {
	_, ok := h.update(func(a *models.Agent) {
		a.State = models.AgentStateWaitingInput
		a.PendingQuestion = q
		a.PendingPermission = nil
	})
	if ok {
		h.m.events.Publish(events.AgentQuestion(h.agentID, q))
	}
}

func (h *agentHandler) OnPermission(p *models.PendingPermission) {
	_, ok := h.update(func(a *models.Agent) {
		a.State = models.AgentStateWaitingPermission
		a.PendingPermission = p
		a.PendingQuestion = nil
	})
	if ok {
		h.m.events.Publish(events.AgentPermission(h.agentID, p))
	}
}

// OnComplete marks the agent completed and, when its branch awaits merging,
// merges it.
func (h *agentHandler) OnComplete() {
	a, ok := h.update(func(a *models.Agent) {
		a.Finish(models.AgentStateCompleted, "", h.m.now())
	})
	if !ok {
		return
	}
	h.m.events.Publish(events.AgentCompleted(h.agentID))

	if a.HasPendingMerge() {
		// Failures are broadcast as merge-failed and leave the merge pending.
		_ = h.m.mergeAgent(context.Background(), a)
	}
}

func (h *agentHandler) OnError(msg string) {
	_, ok := h.update(func(a *models.Agent) {
		a.Finish(models.AgentStateError, msg, h.m.now())
	})
	if ok {
		h.m.events.Publish(events.AgentError(h.agentID, msg))
	}
}

func (h *agentHandler) OnSessionID(token string) {
	h.update(func(a *models.Agent) {
		a.SessionToken = token
	})
}
