package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/store"
)

// CreateBuildingRequest creates a building and its first agent.
type CreateBuildingRequest struct {
	Name               string               `json:"name"`
	ProjectPath        string               `json:"projectPath"`
	Style              models.BuildingStyle `json:"buildingStyle,omitempty"`
	InitialPrompt      string               `json:"initialPrompt"`
	CustomSystemPrompt string               `json:"customSystemPrompt,omitempty"`
	Images             []Image              `json:"images,omitempty"`
}

// SpawnAgentRequest adds an agent to an existing building.
type SpawnAgentRequest struct {
	InitialPrompt      string  `json:"initialPrompt"`
	CustomSystemPrompt string  `json:"customSystemPrompt,omitempty"`
	Images             []Image `json:"images,omitempty"`
}

// AgentSummary is the short form of an agent shown on the town map.
type AgentSummary struct {
	ID          string            `json:"id"`
	State       models.AgentState `json:"state"`
	CurrentTask string            `json:"currentTask"`
}

// BuildingSummary is a building with its agents' summaries.
type BuildingSummary struct {
	*models.Building
	AgentSummaries []AgentSummary `json:"agentSummaries"`
}

// BuildingDetail is a building with its full agent records.
type BuildingDetail struct {
	*models.Building
	AgentDetails []*models.Agent `json:"agentDetails"`
}

// CreateBuilding validates the request, creates the project directory when
// allowed, stores the building and spawns its first agent.
func (m *Manager) CreateBuilding(ctx context.Context, req CreateBuildingRequest) (*models.Building, string, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.ProjectPath) == "" || strings.TrimSpace(req.InitialPrompt) == "" {
		return nil, "", fmt.Errorf("%w: name, projectPath, and initialPrompt are required", ErrValidation)
	}
	style := req.Style
	if style == "" {
		style = models.StyleSaloon
	}
	if !models.ValidStyle(style) {
		return nil, "", fmt.Errorf("%w: unknown building style %q", ErrValidation, style)
	}

	projectPath, err := m.root.Resolve(req.ProjectPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	b := &models.Building{Name: req.Name, ProjectPath: projectPath, Style: style}
	if err := m.store.CreateBuilding(ctx, b); err != nil {
		return nil, "", err
	}

	agentID, err := m.spawn(ctx, b, req.InitialPrompt, req.CustomSystemPrompt, req.Images)
	if err != nil {
		if derr := m.store.DeleteBuilding(ctx, b.ID); derr != nil {
			m.logger.Warn("roll back building", "building_id", b.ID, "error", derr)
		}
		return nil, "", err
	}

	updated, err := m.store.GetBuilding(ctx, b.ID)
	if err != nil {
		return nil, "", notFound(err)
	}
	m.logger.Info("building created", "building_id", b.ID, "project", projectPath)
	return updated, agentID, nil
}

// SpawnAgent starts another agent in an existing building.
func (m *Manager) SpawnAgent(ctx context.Context, buildingID string, req SpawnAgentRequest) (string, error) {
	if strings.TrimSpace(req.InitialPrompt) == "" {
		return "", fmt.Errorf("%w: initialPrompt is required", ErrValidation)
	}
	b, err := m.store.GetBuilding(ctx, buildingID)
	if err != nil {
		return "", notFound(err)
	}
	return m.spawn(ctx, b, req.InitialPrompt, req.CustomSystemPrompt, req.Images)
}

func (m *Manager) spawn(ctx context.Context, b *models.Building, prompt, systemPrompt string, images []Image) (string, error) {
	paths, err := SaveImages(b.ProjectPath, images)
	if err != nil {
		return "", err
	}
	return m.CreateAgent(ctx, b.ID, PromptWithImages(prompt, paths), b.ProjectPath, systemPrompt)
}

// ListBuildings returns every building with its agents' summaries.
func (m *Manager) ListBuildings(ctx context.Context) ([]BuildingSummary, error) {
	buildings, err := m.store.ListBuildings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BuildingSummary, 0, len(buildings))
	for _, b := range buildings {
		agents, err := m.store.ListAgents(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		s := BuildingSummary{Building: b, AgentSummaries: make([]AgentSummary, 0, len(agents))}
		for _, a := range agents {
			s.AgentSummaries = append(s.AgentSummaries, AgentSummary{ID: a.ID, State: a.State, CurrentTask: a.CurrentTask})
		}
		out = append(out, s)
	}
	return out, nil
}

// GetBuilding returns a building with its agents.
func (m *Manager) GetBuilding(ctx context.Context, id string) (*BuildingDetail, error) {
	b, err := m.store.GetBuilding(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	agents, err := m.store.ListAgents(ctx, id)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return &BuildingDetail{Building: b, AgentDetails: agents}, nil
}

// TrashBuilding stops the building's agents and moves it to the trash.
// Sessions are stopped without completion so unfinished work is not merged;
// worktrees are kept so a restore can pick them up again.
func (m *Manager) TrashBuilding(ctx context.Context, id string) error {
	b, err := m.store.GetBuilding(ctx, id)
	if err != nil {
		return notFound(err)
	}

	for _, agentID := range b.AgentIDs {
		m.registry.StopSession(agentID)
		_, err := m.store.UpdateAgent(ctx, agentID, func(a *models.Agent) error {
			if !a.State.Terminal() {
				a.Finish(models.AgentStateCompleted, "", m.now())
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("stop agent before trash", "agent_id", agentID, "error", err)
		}
	}

	if _, err := m.store.TrashBuilding(ctx, id); err != nil {
		return notFound(err)
	}
	m.logger.Info("building trashed", "building_id", id)
	m.events.Publish(events.BuildingRemoved(id))
	return nil
}

// ListTrash returns trashed buildings.
func (m *Manager) ListTrash(ctx context.Context) ([]*models.TrashedBuilding, error) {
	return m.store.ListTrash(ctx)
}

// RestoreBuilding brings a trashed building back with its agents and history.
func (m *Manager) RestoreBuilding(ctx context.Context, id string) (*models.Building, error) {
	b, err := m.store.RestoreBuilding(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	m.logger.Info("building restored", "building_id", id)
	m.events.Publish(events.BuildingRestored(b))
	return b, nil
}

// PurgeTrash permanently deletes a trashed building and discards whatever
// its agents left in the project: pending worktrees and branches, and
// leftovers of merges whose cleanup failed.
func (m *Manager) PurgeTrash(ctx context.Context, id string) error {
	t, err := m.store.GetTrash(ctx, id)
	if err != nil {
		return notFound(err)
	}
	m.discardLeftovers(t)
	if err := m.store.PurgeTrash(ctx, id); err != nil {
		return notFound(err)
	}
	m.logger.Info("trash purged", "building_id", id)
	return nil
}

func (m *Manager) discardLeftovers(t *models.TrashedBuilding) {
	for _, a := range t.Agents {
		if a.HasPendingMerge() {
			if err := m.worktrees.DiscardWorktree(projectOf(a), a.WorktreePath, a.BranchName); err != nil {
				m.logger.Warn("discard trashed worktree", "agent_id", a.ID, "error", err)
			}
		}
	}
	if t.Building == nil || !m.worktrees.IsGitRepo(t.Building.ProjectPath) {
		return
	}
	for _, a := range t.Agents {
		found, err := m.worktrees.PurgeAgent(t.Building.ProjectPath, a.ID)
		if err != nil {
			m.logger.Warn("discard agent leftovers", "agent_id", a.ID, "error", err)
		} else if found {
			m.logger.Info("discarded agent leftovers", "agent_id", a.ID)
		}
	}
}

var _ store.Purger = (*Manager)(nil)

// PurgeExpiredTrash purges every building trashed before cutoff through
// PurgeTrash and returns how many were removed.
func (m *Manager) PurgeExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error) {
	trash, err := m.store.ListTrash(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range trash {
		if !t.TrashedAt.Before(cutoff) {
			continue
		}
		if err := m.PurgeTrash(ctx, t.BuildingID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
