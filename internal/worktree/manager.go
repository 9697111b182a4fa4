// Package worktree isolates each agent's edits on a private git branch and
// working directory, and folds accepted work back into the project.
package worktree

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/town/internal/git"
)

const (
	// Dir is the directory under a project that holds agent worktrees.
	Dir = ".worktrees"

	// BranchPrefix prefixes every agent branch.
	BranchPrefix = "agent/"

	ignoreEntry = Dir + "/"
)

// SharedPaths are linked from the main checkout into every new worktree
// when present there and not tracked in the worktree.
var SharedPaths = []string{
	"node_modules",
	".env",
	".env.local",
	".env.development",
	".env.production",
}

// Worktree identifies an agent's isolated checkout.
type Worktree struct {
	Path   string
	Branch string
}

// MergeResult is the outcome of a merge or revert. Error carries git's raw
// diagnostic text when Success is false.
type MergeResult struct {
	Success   bool
	CommitSHA string
	Error     string
}

// Manager creates, merges, discards and reverts agent worktrees.
type Manager struct {
	git     git.Client
	logger  *slog.Logger
	locks   *projectLocks
	symlink func(oldname, newname string) error
}

// NewManager creates a Manager backed by the given git client.
func NewManager(gc git.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		git:     gc,
		logger:  logger.With("component", "worktree"),
		locks:   newProjectLocks(),
		symlink: os.Symlink,
	}
}

// BranchName returns the branch used for an agent.
func BranchName(agentID string) string {
	return BranchPrefix + agentID
}

// Path returns the worktree directory used for an agent.
func Path(projectPath, agentID string) string {
	return filepath.Join(projectPath, Dir, agentID)
}

// IsGitRepo reports whether path is inside a git working tree.
func (m *Manager) IsGitRepo(path string) bool {
	return m.git.IsInsideWorkTree(path)
}

// CreateWorktree branches agent/<agentID> off HEAD and checks it out under
// <projectPath>/.worktrees/<agentID>.
func (m *Manager) CreateWorktree(projectPath, agentID string) (*Worktree, error) {
	wt := &Worktree{
		Path:   Path(projectPath, agentID),
		Branch: BranchName(agentID),
	}

	if err := os.MkdirAll(filepath.Join(projectPath, Dir), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := EnsureIgnored(projectPath, ignoreEntry); err != nil {
		return nil, fmt.Errorf("update .gitignore: %w", err)
	}
	if err := m.git.BranchCreate(projectPath, wt.Branch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", wt.Branch, err)
	}
	if err := m.git.WorktreeAdd(projectPath, wt.Path, wt.Branch); err != nil {
		if derr := m.git.BranchDelete(projectPath, wt.Branch, true); derr != nil {
			m.logger.Warn("branch rollback failed", "branch", wt.Branch, "error", derr)
		}
		return nil, fmt.Errorf("add worktree %s: %w", wt.Path, err)
	}

	m.linkShared(projectPath, wt.Path)

	m.logger.Info("worktree created", "project", projectPath, "path", wt.Path, "branch", wt.Branch)
	return wt, nil
}

// linkShared is best-effort: a missing shared path only costs the agent that resource.
func (m *Manager) linkShared(projectPath, worktreePath string) {
	for _, name := range SharedPaths {
		src := filepath.Join(projectPath, name)
		dst := filepath.Join(worktreePath, name)

		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if m.git.IsTracked(worktreePath, name) {
			continue
		}
		if err := m.symlink(src, dst); err != nil {
			m.logger.Warn("symlink shared path failed", "path", name, "worktree", worktreePath, "error", err)
		}
	}
}

// MergeWorktree merges branch into the project's current branch with a merge
// commit. Merges sharing lockKey run one at a time in arrival order. A failed
// merge is aborted so the target branch is left clean.
func (m *Manager) MergeWorktree(projectPath, branch, lockKey string) MergeResult {
	m.locks.acquire(lockKey)
	defer m.locks.release(lockKey)

	if err := m.git.MergeNoFF(projectPath, branch, "merge: "+branch); err != nil {
		if aerr := m.git.MergeAbort(projectPath); aerr != nil {
			m.logger.Debug("merge abort", "project", projectPath, "error", aerr)
		}
		m.logger.Warn("merge failed", "project", projectPath, "branch", branch, "error", err)
		return MergeResult{Error: git.Diagnostic(err)}
	}

	sha, err := m.git.HeadCommit(projectPath)
	if err != nil {
		return MergeResult{Error: git.Diagnostic(err)}
	}
	m.logger.Info("merged", "project", projectPath, "branch", branch, "commit", sha)
	return MergeResult{Success: true, CommitSHA: sha}
}

// CleanupWorktree removes a merged worktree and its branch. Failures are
// logged only; the branch content is already merged.
func (m *Manager) CleanupWorktree(projectPath, worktreePath, branch string) {
	if err := m.git.WorktreeRemove(projectPath, worktreePath, true); err != nil {
		m.logger.Warn("worktree cleanup failed", "path", worktreePath, "error", err)
	}
	if err := m.git.BranchDelete(projectPath, branch, false); err != nil {
		m.logger.Warn("branch cleanup failed", "branch", branch, "error", err)
	}
}

// DiscardWorktree removes a worktree and force-deletes its branch, merged or
// not. A worktree git no longer has registered is not an error.
func (m *Manager) DiscardWorktree(projectPath, worktreePath, branch string) error {
	var errs []error
	registered, err := m.registered(projectPath, worktreePath)
	if err != nil {
		m.logger.Debug("worktree list failed, removing anyway", "project", projectPath, "error", err)
		registered = true
	}
	if registered {
		if err := m.git.WorktreeRemove(projectPath, worktreePath, true); err != nil {
			errs = append(errs, fmt.Errorf("remove worktree: %w", err))
		}
	}
	if m.git.BranchExists(projectPath, branch) {
		if err := m.git.BranchDelete(projectPath, branch, true); err != nil {
			errs = append(errs, fmt.Errorf("delete branch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AgentWorktrees lists the worktrees git has registered under the project's
// agent directory.
func (m *Manager) AgentWorktrees(projectPath string) ([]git.WorktreeInfo, error) {
	all, err := m.git.WorktreeList(projectPath)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	dir := resolvePath(filepath.Join(projectPath, Dir)) + string(filepath.Separator)
	var out []git.WorktreeInfo
	for _, wt := range all {
		if strings.HasPrefix(resolvePath(wt.Path), dir) {
			out = append(out, wt)
		}
	}
	return out, nil
}

// PurgeAgent removes whatever is left of an agent's worktree and branch in
// projectPath, including leftovers from a cleanup that failed after a merge.
// It reports whether anything was found.
func (m *Manager) PurgeAgent(projectPath, agentID string) (bool, error) {
	path, branch := Path(projectPath, agentID), BranchName(agentID)
	registered, err := m.registered(projectPath, path)
	if err != nil {
		return false, err
	}
	if !registered && !m.git.BranchExists(projectPath, branch) {
		return false, nil
	}
	return true, m.DiscardWorktree(projectPath, path, branch)
}

func (m *Manager) registered(projectPath, worktreePath string) (bool, error) {
	wts, err := m.AgentWorktrees(projectPath)
	if err != nil {
		return false, err
	}
	want := resolvePath(worktreePath)
	for _, wt := range wts {
		if resolvePath(wt.Path) == want {
			return true, nil
		}
	}
	return false, nil
}

// resolvePath follows symlinks in p, or in its parent when p itself is gone,
// so paths git reports compare equal to the ones town recorded.
func resolvePath(p string) string {
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	if r, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		return filepath.Join(r, filepath.Base(p))
	}
	return p
}

// RevertMerge reverts a merge commit against its first parent. A conflicting
// revert is aborted. Reverts share the project's merge lock.
func (m *Manager) RevertMerge(projectPath, commit string) MergeResult {
	m.locks.acquire(projectPath)
	defer m.locks.release(projectPath)

	if err := m.git.RevertMerge(projectPath, commit); err != nil {
		if aerr := m.git.RevertAbort(projectPath); aerr != nil {
			m.logger.Debug("revert abort", "project", projectPath, "error", aerr)
		}
		m.logger.Warn("revert failed", "project", projectPath, "commit", commit, "error", err)
		return MergeResult{Error: git.Diagnostic(err)}
	}

	sha, err := m.git.HeadCommit(projectPath)
	if err != nil {
		return MergeResult{Success: true}
	}
	m.logger.Info("reverted", "project", projectPath, "merge", commit, "commit", sha)
	return MergeResult{Success: true, CommitSHA: sha}
}

// EnsureIgnored appends entry to the project's .gitignore unless a line
// already matches it.
func EnsureIgnored(projectPath, entry string) error {
	path := filepath.Join(projectPath, ".gitignore")

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	bare := strings.TrimSuffix(entry, "/")
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == entry || line == bare || line == "/"+entry || line == "/"+bare {
			return nil
		}
	}

	var b strings.Builder
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(entry)
	b.WriteString("\n")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
