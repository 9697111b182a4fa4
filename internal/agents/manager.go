package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/store"
	"github.com/joescharf/town/internal/worktree"
)

// ErrMergeFailed is returned when a merge or revert could not be applied.
// The repository is left clean.
var ErrMergeFailed = errors.New("merge failed")

// ResponseType discriminates a user's response to an agent.
type ResponseType string

const (
	ResponseAnswer     ResponseType = "answer"
	ResponsePermission ResponseType = "permission"
	ResponseMessage    ResponseType = "message"
)

// Response is a user's reply to an agent.
type Response struct {
	Type     ResponseType      `json:"type"`
	Answers  map[string]string `json:"answers,omitempty"`
	Approved *bool             `json:"approved,omitempty"`
	Message  string            `json:"message,omitempty"`
	Images   []Image           `json:"images,omitempty"`
}

// Manager orchestrates agents: creation, responses, respawns, kills and the
// merge lifecycle of their worktrees.
type Manager struct {
	store     store.Store
	worktrees *worktree.Manager
	registry  *Registry
	events    events.Publisher
	logger    *slog.Logger
	root      projects.Root
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProjectsRoot sets the directory new project dirs may be created under.
func WithProjectsRoot(root projects.Root) Option {
	return func(m *Manager) { m.root = root }
}

// NewManager wires a Manager.
func NewManager(st store.Store, wt *worktree.Manager, eng engine.Engine, pub events.Publisher, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     st,
		worktrees: wt,
		registry:  NewRegistry(eng, logger),
		events:    pub,
		logger:    logger.With("component", "agents"),
		root:      projects.DefaultRoot(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the live session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// ServerStopped is the error recorded on agents interrupted by Shutdown.
const ServerStopped = "server stopped"

// Shutdown stops every live session. Interrupted agents are marked as errored
// with their worktrees left pending, so nothing is merged on the way out and
// a follow-up message resumes them.
func (m *Manager) Shutdown() {
	for _, id := range m.registry.Shutdown() {
		a, err := m.store.GetAgent(context.Background(), id)
		if err != nil {
			m.logger.Error("load stopped agent", "agent_id", id, "error", err)
			continue
		}
		if a.State.Terminal() {
			continue
		}
		m.logger.Info("agent interrupted by shutdown", "agent_id", id, "merge_status", a.MergeStatus)
		m.handler(id).OnError(ServerStopped)
	}
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// GetAgent returns an agent by id.
func (m *Manager) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// GetConversation returns an agent's conversation log.
func (m *Manager) GetConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	if _, err := m.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	return m.store.GetConversation(ctx, id)
}

// CreateAgent allocates an agent under the building, isolates it on its own
// worktree when cwd is a git repository, and starts its first session.
// Isolation failures fall back to running in cwd.
func (m *Manager) CreateAgent(ctx context.Context, buildingID, prompt, cwd, customSystemPrompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: initialPrompt is required", ErrValidation)
	}
	if _, err := m.store.GetBuilding(ctx, buildingID); err != nil {
		return "", notFound(err)
	}

	a := &models.Agent{
		ID:                 store.NewID(),
		BuildingID:         buildingID,
		State:              models.AgentStateBusy,
		CurrentTask:        prompt,
		InitialPrompt:      prompt,
		CustomSystemPrompt: customSystemPrompt,
		CreatedAt:          m.now(),
		MergeStatus:        models.MergeStatusNone,
	}
	log := m.logger.With("agent_id", a.ID)

	workDir := cwd
	if m.worktrees.IsGitRepo(cwd) {
		wt, err := m.worktrees.CreateWorktree(cwd, a.ID)
		if err != nil {
			log.Error("worktree isolation failed, running in project dir", "cwd", cwd, "error", err)
		} else {
			a.WorktreePath = wt.Path
			a.BranchName = wt.Branch
			a.MergeStatus = models.MergeStatusPending
			workDir = wt.Path
		}
	}

	if err := m.store.CreateAgent(ctx, a); err != nil {
		if a.HasPendingMerge() {
			if derr := m.worktrees.DiscardWorktree(cwd, a.WorktreePath, a.BranchName); derr != nil {
				log.Warn("discard orphaned worktree", "error", derr)
			}
		}
		return "", fmt.Errorf("create agent: %w", notFound(err))
	}

	if b, err := m.store.GetBuilding(ctx, buildingID); err == nil {
		m.events.Publish(events.BuildingCreated(b))
	}

	log.Info("agent created", "building_id", buildingID, "cwd", workDir, "isolated", a.HasPendingMerge())
	m.startSession(ctx, a, workDir, prompt)
	return a.ID, nil
}

// startSession launches an invocation for a. Start failures are recorded on
// the agent by the handler.
func (m *Manager) startSession(ctx context.Context, a *models.Agent, cwd, prompt string) {
	req := engine.Request{
		Cwd:          cwd,
		Prompt:       prompt,
		SystemPrompt: engine.BuildSystemPrompt(a.CustomSystemPrompt),
		ResumeToken:  a.SessionToken,
	}
	if _, err := m.registry.CreateSession(ctx, a.ID, req, m.handler(a.ID)); err != nil {
		m.logger.Error("session start failed", "agent_id", a.ID, "error", err)
	}
}

// respawn starts a new invocation that resumes the agent's saved conversation,
// in its worktree while a merge is pending, else in the project directory.
func (m *Manager) respawn(ctx context.Context, a *models.Agent, prompt string) error {
	b, err := m.store.GetBuilding(ctx, a.BuildingID)
	if err != nil {
		return notFound(err)
	}
	m.logger.Info("respawning agent", "agent_id", a.ID, "resume", a.SessionToken != "")
	m.startSession(ctx, a, a.WorkDir(b.ProjectPath), prompt)
	return nil
}

// RespondToAgent records the user's response and delivers it. A live session
// cannot take input mid-stream, so it is superseded: it is stopped without a
// completion callback and a new invocation resumes the conversation with the
// response as its prompt. With no live session only messages can be
// delivered, by respawning.
func (m *Manager) RespondToAgent(ctx context.Context, agentID string, resp Response) error {
	if err := validateResponse(resp); err != nil {
		return err
	}
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	entry := models.NewEntry(models.RoleUser, responseText(resp, a.PendingQuestion), nil)
	if err := m.store.AppendConversation(ctx, agentID, entry); err != nil {
		return fmt.Errorf("log response: %w", err)
	}
	m.events.Publish(events.AgentMessage(agentID, entry))

	a, err = m.store.UpdateAgent(ctx, agentID, func(a *models.Agent) error {
		a.ClearPending()
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear pending: %w", notFound(err))
	}

	live := m.registry.GetSession(agentID) != nil
	if !live && resp.Type != ResponseMessage {
		return fmt.Errorf("%w: no active session for agent %s", ErrSessionUnavailable, agentID)
	}

	prompt := entry.Content
	if resp.Type == ResponseMessage && len(resp.Images) > 0 {
		b, err := m.store.GetBuilding(ctx, a.BuildingID)
		if err != nil {
			return notFound(err)
		}
		paths, err := SaveImages(b.ProjectPath, resp.Images)
		if err != nil {
			return err
		}
		prompt = PromptWithImages(prompt, paths)
	}

	if live {
		m.registry.StopSession(agentID)
		// Re-read: the stopped session may have captured a newer token.
		if a, err = m.GetAgent(ctx, agentID); err != nil {
			return err
		}
	}
	return m.respawn(ctx, a, prompt)
}

func validateResponse(resp Response) error {
	switch resp.Type {
	case "":
		return fmt.Errorf("%w: type is required (answer, permission, or message)", ErrValidation)
	case ResponseAnswer:
		if len(resp.Answers) == 0 {
			return fmt.Errorf("%w: answers are required", ErrValidation)
		}
	case ResponsePermission:
		if resp.Approved == nil {
			return fmt.Errorf("%w: approved is required", ErrValidation)
		}
	case ResponseMessage:
		if strings.TrimSpace(resp.Message) == "" && len(resp.Images) == 0 {
			return fmt.Errorf("%w: message is required", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown response type %q", ErrValidation, resp.Type)
	}
	return nil
}

// responseText renders a response as the user's conversation entry. Answers
// follow the order of the pending questions, then any others by question text.
func responseText(resp Response, pending *models.PendingQuestion) string {
	switch resp.Type {
	case ResponseAnswer:
		var lines []string
		seen := make(map[string]bool)
		if pending != nil {
			for _, q := range pending.Questions {
				if ans, ok := resp.Answers[q.Question]; ok && !seen[q.Question] {
					lines = append(lines, q.Question+": "+ans)
					seen[q.Question] = true
				}
			}
		}
		var rest []string
		for q := range resp.Answers {
			if !seen[q] {
				rest = append(rest, q)
			}
		}
		sort.Strings(rest)
		for _, q := range rest {
			lines = append(lines, q+": "+resp.Answers[q])
		}
		return strings.Join(lines, "\n")
	case ResponsePermission:
		if resp.Approved != nil && *resp.Approved {
			return "Approved"
		}
		return "Denied"
	default:
		return resp.Message
	}
}

// KillAgent cancels the agent's live session and marks it completed. The
// completion path runs the auto-merge. Killing a terminal agent only
// rewrites its state.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	if m.registry.KillSession(agentID) {
		if a, err = m.GetAgent(ctx, agentID); err != nil {
			return err
		}
		if a.State.Terminal() {
			return nil
		}
	}

	if !a.State.Terminal() {
		m.handler(agentID).OnComplete()
		return nil
	}

	_, err = m.store.UpdateAgent(ctx, agentID, func(a *models.Agent) error {
		completedAt := m.now()
		if a.CompletedAt != nil {
			completedAt = *a.CompletedAt
		}
		a.State = models.AgentStateCompleted
		a.CompletedAt = &completedAt
		a.ClearPending()
		return nil
	})
	return notFound(err)
}

func projectOf(a *models.Agent) string {
	return filepath.Dir(filepath.Dir(a.WorktreePath))
}

// mergeAgent folds a's branch into its project. On success the worktree is
// removed and the agent marked merged; on failure the worktree is kept and
// the merge stays pending.
func (m *Manager) mergeAgent(ctx context.Context, a *models.Agent) error {
	project := projectOf(a)
	log := m.logger.With("agent_id", a.ID, "branch", a.BranchName)

	res := m.worktrees.MergeWorktree(project, a.BranchName, project)
	if !res.Success {
		log.Warn("merge failed, worktree kept", "error", res.Error)
		m.events.Publish(events.AgentMergeFailed(a.ID, res.Error))
		return fmt.Errorf("%w: %s", ErrMergeFailed, res.Error)
	}

	m.worktrees.CleanupWorktree(project, a.WorktreePath, a.BranchName)

	_, err := m.store.UpdateAgent(ctx, a.ID, func(a *models.Agent) error {
		a.MergeStatus = models.MergeStatusMerged
		a.MergeCommitSHA = res.CommitSHA
		a.WorktreePath = ""
		a.BranchName = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("record merge: %w", err)
	}
	log.Info("agent merged", "commit", res.CommitSHA)
	m.events.Publish(events.AgentMerged(a.ID))
	return nil
}

// MergeAgent retries a pending merge, typically after a conflict was
// resolved by hand.
func (m *Manager) MergeAgent(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !a.HasPendingMerge() {
		return fmt.Errorf("%w: agent %s has no pending merge", ErrValidation, agentID)
	}
	if m.registry.GetSession(agentID) != nil {
		return fmt.Errorf("%w: agent %s is still running", ErrValidation, agentID)
	}
	return m.mergeAgent(ctx, a)
}

// DiscardAgent abandons the agent's unmerged work. A live session is stopped
// without merging.
func (m *Manager) DiscardAgent(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !a.HasPendingMerge() {
		return fmt.Errorf("%w: agent %s has no pending merge", ErrValidation, agentID)
	}

	m.registry.StopSession(agentID)

	if err := m.worktrees.DiscardWorktree(projectOf(a), a.WorktreePath, a.BranchName); err != nil {
		m.logger.Warn("discard worktree", "agent_id", agentID, "error", err)
	}

	_, err = m.store.UpdateAgent(ctx, agentID, func(a *models.Agent) error {
		if !a.State.Terminal() {
			a.Finish(models.AgentStateCompleted, "", m.now())
		}
		a.MergeStatus = models.MergeStatusDiscarded
		a.WorktreePath = ""
		a.BranchName = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("record discard: %w", err)
	}
	m.events.Publish(events.AgentDiscarded(agentID))
	return nil
}

// RevertAgent undoes a merged agent's work with a revert commit.
func (m *Manager) RevertAgent(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.MergeStatus != models.MergeStatusMerged || a.MergeCommitSHA == "" {
		return fmt.Errorf("%w: agent %s has no merge to revert", ErrValidation, agentID)
	}
	b, err := m.store.GetBuilding(ctx, a.BuildingID)
	if err != nil {
		return notFound(err)
	}

	res := m.worktrees.RevertMerge(b.ProjectPath, a.MergeCommitSHA)
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrMergeFailed, res.Error)
	}

	_, err = m.store.UpdateAgent(ctx, agentID, func(a *models.Agent) error {
		a.MergeStatus = models.MergeStatusReverted
		return nil
	})
	if err != nil {
		return fmt.Errorf("record revert: %w", err)
	}
	m.logger.Info("agent reverted", "agent_id", agentID, "merge", a.MergeCommitSHA)
	m.events.Publish(events.AgentReverted(agentID))
	return nil
}
