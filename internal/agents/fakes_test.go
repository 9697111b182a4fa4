package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/events"
	"github.com/joescharf/town/internal/git"
	"github.com/joescharf/town/internal/models"
	"github.com/joescharf/town/internal/projects"
	"github.com/joescharf/town/internal/store"
	"github.com/joescharf/town/internal/worktree"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fake engine ---

type fakeStream struct {
	req    engine.Request
	events chan engine.Event
	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (s *fakeStream) Events() <-chan engine.Event { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push queues events without blocking.
func (s *fakeStream) push(evs ...engine.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// end closes the stream, optionally with a fault.
func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

type fakeEngine struct {
	mu       sync.Mutex
	streams  []*fakeStream
	startErr error
	started  chan *fakeStream
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan *fakeStream, 32)}
}

func (e *fakeEngine) Start(_ context.Context, req engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	s := &fakeStream{req: req, events: make(chan engine.Event, 32)}
	e.streams = append(e.streams, s)
	e.started <- s
	return s, nil
}

// next waits for the next started stream.
func (e *fakeEngine) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-e.started:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no session started")
		return nil
	}
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// --- recording handler ---

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	msgs  []models.ConversationEntry
	q     *models.PendingQuestion
	p     *models.PendingPermission
}

func (h *recordingHandler) add(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *recordingHandler) OnStateChange(state models.AgentState, task string) {
	h.add(fmt.Sprintf("state:%s:%s", state, task))
}

func (h *recordingHandler) OnMessage(e models.ConversationEntry) {
	h.mu.Lock()
	h.msgs = append(h.msgs, e)
	h.mu.Unlock()
	h.add("message:" + string(e.Role))
}

func (h *recordingHandler) OnQuestion(q *models.PendingQuestion) {
	h.mu.Lock()
	h.q = q
	h.mu.Unlock()
	h.add("question")
}

func (h *recordingHandler) OnPermission(p *models.PendingPermission) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
	h.add("permission")
}

func (h *recordingHandler) OnComplete()              { h.add("complete") }
func (h *recordingHandler) OnError(msg string)       { h.add("error:" + msg) }
func (h *recordingHandler) OnSessionID(token string) { h.add("session:" + token) }

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) count(call string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// --- recording publisher ---

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types(agentID string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		if agentID == "" || ev.AgentID == agentID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) has(agentID string, typ events.Type) bool {
	for _, t := range r.types(agentID) {
		if t == typ {
			return true
		}
	}
	return false
}

// storeChecker asserts that every agent event describes state already in the store.
type storeChecker struct {
	t       *testing.T
	h       *harness
	mu      sync.Mutex
	checked int
}

func (c *storeChecker) Publish(ev events.Event) {
	if ev.AgentID == "" {
		return
	}
	a, err := c.h.st.GetAgent(context.Background(), ev.AgentID)
	if err != nil {
		c.t.Errorf("event %s for unknown agent: %v", ev.Type, err)
		return
	}
	switch ev.Type {
	case events.TypeAgentState:
		if a.State != ev.State {
			c.t.Errorf("state event %s broadcast while store has %s", ev.State, a.State)
		}
	case events.TypeAgentQuestion:
		if a.PendingQuestion == nil {
			c.t.Errorf("question broadcast before it was stored")
		}
	case events.TypeAgentCompleted:
		if a.State != models.AgentStateCompleted {
			c.t.Errorf("completion broadcast while store has %s", a.State)
		}
	}
	c.mu.Lock()
	c.checked++
	c.mu.Unlock()
}

// --- harness ---

type harness struct {
	m    *Manager
	st   *store.SQLiteStore
	eng  *fakeEngine
	pub  *recorder
	root string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessGit(t, git.NewClient())
}

// newHarnessGit builds a harness whose worktrees go through gc.
func newHarnessGit(t *testing.T, gc git.Client) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "town.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	eng := newFakeEngine()
	pub := &recorder{}
	wt := worktree.NewManager(gc, testLogger())
	m := NewManager(st, wt, eng, pub, testLogger(), WithProjectsRoot(projects.Root(root)))
	t.Cleanup(m.Shutdown)

	return &harness{m: m, st: st, eng: eng, pub: pub, root: root}
}

func (h *harness) building(t *testing.T, projectPath string) *models.Building {
	t.Helper()
	b := &models.Building{Name: "Test", ProjectPath: projectPath}
	require.NoError(t, h.st.CreateBuilding(context.Background(), b))
	return b
}

func (h *harness) agent(t *testing.T, id string) *models.Agent {
	t.Helper()
	a, err := h.st.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

const (
	testTimeout  = 5 * time.Second
	pollInterval = 5 * time.Millisecond
)

// waitState waits for the agent to reach state, including its pending
// question or permission for the waiting states.
func (h *harness) waitState(t *testing.T, id string, state models.AgentState) *models.Agent {
	t.Helper()
	var a *models.Agent
	require.Eventually(t, func() bool {
		a = h.agent(t, id)
		switch {
		case a.State != state:
			return false
		case state == models.AgentStateWaitingInput:
			return a.PendingQuestion != nil
		case state == models.AgentStateWaitingPermission:
			return a.PendingPermission != nil
		}
		return true
	}, testTimeout, pollInterval, "agent never reached %s", state)
	return a
}

// waitIdle waits until the agent has no live session.
func (h *harness) waitIdle(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Registry().GetSession(id) == nil
	}, testTimeout, pollInterval)
}

// --- git helpers ---

// stuckCleanupGit fails worktree and branch removal while stuck is set.
type stuckCleanupGit struct {
	git.Client
	stuck atomic.Bool
}

func (c *stuckCleanupGit) WorktreeRemove(path, worktreePath string, force bool) error {
	if c.stuck.Load() {
		return errors.New("worktree is locked")
	}
	return c.Client.WorktreeRemove(path, worktreePath, force)
}

func (c *stuckCleanupGit) BranchDelete(path, branch string, force bool) error {
	if c.stuck.Load() {
		return errors.New("cannot lock ref")
	}
	return c.Client.BranchDelete(path, branch, force)
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "init")
	return dir
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	gitRun(t, dir, "add", name)
	gitRun(t, dir, "commit", "-m", "add "+name)
}

func toolUse(name string, input any) engine.ToolUseBlock {
	raw, _ := json.Marshal(input)
	return engine.ToolUseBlock{ID: "tu_" + name, Name: name, Input: raw}
}

func success(session string) engine.ResultEvent {
	return engine.ResultEvent{Session: session, Subtype: "success", Result: "Done.", NumTurns: 1}
}
