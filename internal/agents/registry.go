package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joescharf/town/internal/engine"
	"github.com/joescharf/town/internal/models"
)

// Session is a live engine invocation for one agent.
type Session struct {
	AgentID string

	stream engine.Stream
	cancel context.CancelFunc
	done   chan struct{}
	// quiet suppresses the completion callback when the session is cancelled.
	quiet atomic.Bool

	mu    sync.Mutex
	token string
}

// Token returns the resume token captured from this session, if any.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Done is closed once the session has ended and been deregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Registry maps agent ids to their live sessions.
type Registry struct {
	engine engine.Engine
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry that starts sessions on eng.
func NewRegistry(eng engine.Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engine:   eng,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// CreateSession starts one engine invocation for agentID and processes its
// events on a new goroutine, dispatching them to h. It replaces any prior
// registration for the agent; callers must ensure that session has ended.
// The session is not tied to ctx's cancellation.
func (r *Registry) CreateSession(ctx context.Context, agentID string, req engine.Request, h Handler) (*Session, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	h.OnStateChange(models.AgentStateBusy, req.Prompt)

	stream, err := r.engine.Start(sctx, req)
	if err != nil {
		cancel()
		h.OnError(err.Error())
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{
		AgentID: agentID,
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if prev, ok := r.sessions[agentID]; ok {
		r.logger.Warn("replacing registered session", "agent_id", agentID)
		prev.quiet.Store(true)
		prev.cancel()
	}
	r.sessions[agentID] = s
	r.mu.Unlock()

	go r.run(sctx, s, h, req.ResumeToken)
	return s, nil
}

func (r *Registry) run(ctx context.Context, s *Session, h Handler, resumeToken string) {
	log := r.logger.With("agent_id", s.AgentID)
	defer close(s.done)
	defer r.deregister(s)
	defer s.stream.Close()

	captured := false
	events := s.stream.Events()
	for {
		select {
		case <-ctx.Done():
			r.cancelled(s, h)
			return

		case ev, ok := <-events:
			if ctx.Err() != nil {
				r.cancelled(s, h)
				return
			}
			if !ok {
				if err := s.stream.Err(); err != nil {
					log.Error("engine fault", "error", err)
					h.OnError(err.Error())
					return
				}
				// Only a result event signals completion.
				log.Warn("stream ended without a result")
				return
			}

			if !captured {
				if tok := ev.SessionID(); tok != "" {
					captured = true
					s.mu.Lock()
					s.token = tok
					s.mu.Unlock()
					if tok != resumeToken {
						h.OnSessionID(tok)
					}
				}
			}

			if dispatch(h, ev) {
				return
			}
		}
	}
}

func (r *Registry) cancelled(s *Session, h Handler) {
	if s.quiet.Load() {
		r.logger.Debug("session superseded", "agent_id", s.AgentID)
		return
	}
	r.logger.Info("session cancelled", "agent_id", s.AgentID)
	h.OnComplete()
}

func (r *Registry) deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.AgentID]; ok && cur == s {
		delete(r.sessions, s.AgentID)
	}
}

// GetSession returns the agent's live session, or nil.
func (r *Registry) GetSession(agentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// KillSession cancels the agent's live session and waits for it to end. The
// handler's OnComplete fires unless the session already reached a result.
// It reports whether a session was running.
func (r *Registry) KillSession(agentID string) bool {
	return r.end(agentID, false)
}

// StopSession ends the agent's live session without any completion callback.
// Used when a new invocation supersedes the current one.
func (r *Registry) StopSession(agentID string) bool {
	return r.end(agentID, true)
}

func (r *Registry) end(agentID string, quiet bool) bool {
	s := r.GetSession(agentID)
	if s == nil {
		return false
	}
	if quiet {
		s.quiet.Store(true)
	}
	s.cancel()
	<-s.done
	return true
}

// Shutdown stops every live session without completion callbacks and
// returns the ids of the agents that were running.
func (r *Registry) Shutdown() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	stopped := ids[:0]
	for _, id := range ids {
		if r.StopSession(id) {
			stopped = append(stopped, id)
		}
	}
	return stopped
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
