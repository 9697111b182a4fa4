package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the git operations worktree isolation needs.
// All methods take a path parameter since town operates on many repos.
type Client interface {
	IsInsideWorkTree(path string) bool
	HeadCommit(path string) (string, error)
	BranchCreate(path, branch string) error
	BranchExists(path, branch string) bool
	BranchDelete(path, branch string, force bool) error
	WorktreeAdd(path, worktreePath, branch string) error
	WorktreeRemove(path, worktreePath string, force bool) error
	WorktreeList(path string) ([]WorktreeInfo, error)
	IsTracked(path, file string) bool
	MergeNoFF(path, branch, message string) error
	MergeAbort(path string) error
	RevertMerge(path, commit string) error
	RevertAbort(path string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

// CommandError carries the raw diagnostic text of a failed git invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic returns git's own output for a failed command, or the error text.
func Diagnostic(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Output != "" {
		return ce.Output
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	if err != nil {
		return "", &CommandError{Args: args, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) IsInsideWorkTree(path string) bool {
	out, err := gitCmd(path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (c *RealClient) HeadCommit(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) BranchCreate(path, branch string) error {
	_, err := gitCmd(path, "branch", branch)
	return err
}

func (c *RealClient) BranchExists(path, branch string) bool {
	_, err := gitCmd(path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (c *RealClient) BranchDelete(path, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := gitCmd(path, "branch", flag, branch)
	return err
}

func (c *RealClient) WorktreeAdd(path, worktreePath, branch string) error {
	_, err := gitCmd(path, "worktree", "add", worktreePath, branch)
	return err
}

func (c *RealClient) WorktreeRemove(path, worktreePath string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	_, err := gitCmd(path, args...)
	return err
}

func (c *RealClient) WorktreeList(path string) ([]WorktreeInfo, error) {
	out, err := gitCmd(path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// IsTracked reports whether file (relative to path) is tracked in path's checkout.
func (c *RealClient) IsTracked(path, file string) bool {
	_, err := gitCmd(path, "ls-files", "--error-unmatch", "--", file)
	return err == nil
}

// MergeNoFF merges branch into the current branch, always creating a merge commit.
func (c *RealClient) MergeNoFF(path, branch, message string) error {
	_, err := gitCmd(path, "merge", "--no-ff", "-m", message, branch)
	return err
}

func (c *RealClient) MergeAbort(path string) error {
	_, err := gitCmd(path, "merge", "--abort")
	return err
}

// RevertMerge reverts a merge commit against its first parent without opening an editor.
func (c *RealClient) RevertMerge(path, commit string) error {
	_, err := gitCmd(path, "revert", "-m", "1", "--no-edit", commit)
	return err
}

func (c *RealClient) RevertAbort(path string) error {
	_, err := gitCmd(path, "revert", "--abort")
	return err
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
