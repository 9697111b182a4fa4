package models

import "time"

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentStateBusy              AgentState = "busy"
	AgentStateWaitingInput      AgentState = "waiting_input"
	AgentStateWaitingPermission AgentState = "waiting_permission"
	AgentStateCompleted         AgentState = "completed"
	AgentStateError             AgentState = "error"
)

// Terminal reports whether the state ends a session. Terminal agents can
// still be respawned.
func (s AgentState) Terminal() bool {
	return s == AgentStateCompleted || s == AgentStateError
}

// MergeStatus tracks what happened to an agent's isolated branch.
type MergeStatus string

const (
	MergeStatusNone      MergeStatus = "none"
	MergeStatusPending   MergeStatus = "pending"
	MergeStatusMerged    MergeStatus = "merged"
	MergeStatusDiscarded MergeStatus = "discarded"
	MergeStatusReverted  MergeStatus = "reverted"
)

// QuestionOption is one selectable answer to a pending question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is a single question the agent asked the user.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// PendingQuestion holds the questions an agent is waiting on.
type PendingQuestion struct {
	Questions []Question `json:"questions"`
}

// PendingPermission is a tool invocation awaiting user approval.
type PendingPermission struct {
	ToolName string `json:"toolName"`
	Input    any    `json:"input"`
}

// Agent is one coding agent working inside a building.
// Empty strings stand for absent optional values.
type Agent struct {
	ID                 string             `json:"id"`
	BuildingID         string             `json:"buildingId"`
	State              AgentState         `json:"state"`
	CurrentTask        string             `json:"currentTask"`
	InitialPrompt      string             `json:"initialPrompt"`
	CustomSystemPrompt string             `json:"customSystemPrompt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	CompletedAt        *time.Time         `json:"completedAt"`
	Error              string             `json:"error,omitempty"`
	SessionToken       string             `json:"sdkSessionId,omitempty"`
	PendingQuestion    *PendingQuestion   `json:"pendingQuestion"`
	PendingPermission  *PendingPermission `json:"pendingPermission"`
	WorktreePath       string             `json:"worktreePath,omitempty"`
	BranchName         string             `json:"branchName,omitempty"`
	MergeStatus        MergeStatus        `json:"mergeStatus"`
	MergeCommitSHA     string             `json:"mergeCommitSha,omitempty"`
}

// ClearPending drops any pending question or permission.
func (a *Agent) ClearPending() {
	a.PendingQuestion = nil
	a.PendingPermission = nil
}

// Finish moves the agent into a terminal state.
func (a *Agent) Finish(state AgentState, errMsg string, at time.Time) {
	a.State = state
	a.Error = errMsg
	a.CompletedAt = &at
	a.ClearPending()
}

// HasPendingMerge reports whether the agent's isolated branch still awaits merging.
func (a *Agent) HasPendingMerge() bool {
	return a.MergeStatus == MergeStatusPending && a.WorktreePath != "" && a.BranchName != ""
}

// WorkDir returns the directory the agent's sessions run in.
func (a *Agent) WorkDir(projectPath string) string {
	if a.HasPendingMerge() {
		return a.WorktreePath
	}
	return projectPath
}
